// Command lendingctl runs one-off administrative tasks against the lending
// database: schema migration, a manual overdue sweep and catalog edits.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"smartlibrary/internal/util"
	"smartlibrary/pkg/domain"
	"smartlibrary/pkg/store"
	"smartlibrary/services/lending/internal/app"
	"smartlibrary/services/lending/internal/bootstrap"
	"smartlibrary/services/lending/internal/config"
)

// cliActor is the identity used for admin-only operations from the CLI.
var cliActor = domain.Actor{UserID: 0, Role: domain.RoleAdmin}

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "lendingctl",
		Short:         "Administer the lending service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $LENDING_CONFIG or config.yaml)")

	load := func() (config.FileConfig, error) {
		return config.Load(configPath)
	}
	root.AddCommand(newMigrateCmd(load), newSweepCmd(load), newBookCmd(load))
	return root
}

type configLoader func() (config.FileConfig, error)

func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// opening the store runs the migration
			st, err := store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newSweepCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one overdue sweep now and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, load, func(cfg config.FileConfig, deps *bootstrap.Deps) error {
				report, err := deps.NewScheduler(cfg, util.LoggerFromContext(cmd.Context())).Trigger(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newBookCmd(load configLoader) *cobra.Command {
	book := &cobra.Command{
		Use:   "book",
		Short: "Manage the catalog",
	}

	var (
		title, author, isbn string
		copies              int
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a book to the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, load, func(_ config.FileConfig, deps *bootstrap.Deps) error {
				in := app.BookInput{Title: &title, Author: &author, TotalCopies: &copies}
				if isbn != "" {
					in.ISBN = &isbn
				}
				b, err := deps.App.CreateBook(cmd.Context(), cliActor, in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), b)
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "book title")
	add.Flags().StringVar(&author, "author", "", "book author")
	add.Flags().StringVar(&isbn, "isbn", "", "ISBN (optional, unique)")
	add.Flags().IntVar(&copies, "copies", 1, "total copies")
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("author")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, load, func(_ config.FileConfig, deps *bootstrap.Deps) error {
				books, err := deps.App.ListBooks(cmd.Context())
				if err != nil {
					return err
				}
				return printBooks(cmd.OutOrStdout(), books)
			})
		},
	}

	book.AddCommand(add, list)
	return book
}

func withDeps(cmd *cobra.Command, load configLoader, fn func(config.FileConfig, *bootstrap.Deps) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger := util.InitLogger("lendingctl", cfg.LogLevel)
	cmd.SetContext(util.ContextWithLogger(cmd.Context(), logger))
	deps, err := bootstrap.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()
	return fn(cfg, deps)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBooks(w io.Writer, books []domain.Book) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tAUTHOR\tISBN\tAVAILABLE")
	for _, b := range books {
		isbn := "-"
		if b.ISBN != nil {
			isbn = *b.ISBN
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\n", b.ID, b.Title, b.Author, isbn, b.AvailableCopies, b.TotalCopies)
	}
	return tw.Flush()
}
