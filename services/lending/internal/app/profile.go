package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"smartlibrary/pkg/domain"
	"smartlibrary/pkg/store"
)

// ProfileInput updates the borrower record used for notifications. Nil
// fields are left unchanged; an empty email clears it.
type ProfileInput struct {
	Username    *string `json:"username"`
	DisplayName *string `json:"displayName"`
	Email       *string `json:"email"`
}

// GetProfile returns the caller's user record.
func (a *App) GetProfile(ctx context.Context, actor domain.Actor) (domain.User, error) {
	u, ok, err := a.store.GetUser(ctx, actor.UserID)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, fmt.Errorf("user %d: %w", actor.UserID, ErrNotFound)
	}
	return u, nil
}

// SaveProfile creates or updates the caller's user record. The role always
// comes from the actor, never from the input.
func (a *App) SaveProfile(ctx context.Context, actor domain.Actor, in ProfileInput) (domain.User, error) {
	if actor.UserID <= 0 {
		return domain.User{}, fmt.Errorf("user id %d: %w", actor.UserID, ErrInvalidArgument)
	}
	u, ok, err := a.store.GetUser(ctx, actor.UserID)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		u = domain.User{ID: actor.UserID}
		if in.Username == nil {
			return domain.User{}, fmt.Errorf("username required: %w", ErrInvalidArgument)
		}
	}
	if in.Username != nil {
		name, err := requiredText("username", in.Username)
		if err != nil {
			return domain.User{}, err
		}
		u.Username = name
	}
	if in.DisplayName != nil {
		u.DisplayName = strings.TrimSpace(*in.DisplayName)
	}
	if in.Email != nil {
		email, err := normalizeEmail(*in.Email)
		if err != nil {
			return domain.User{}, err
		}
		u.Email = email
	}
	u.Role = actor.Role
	if err := a.store.SaveUser(ctx, &u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.User{}, fmt.Errorf("username %q: %w", u.Username, ErrDuplicateUsername)
		}
		return domain.User{}, err
	}
	return u, nil
}

func normalizeEmail(raw string) (*string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Name != "" {
		return nil, fmt.Errorf("email %q: %w", raw, ErrInvalidArgument)
	}
	email := strings.ToLower(addr.Address)
	return &email, nil
}
