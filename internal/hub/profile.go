package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bilbercode/hsec-client/internal/profile"
)

var ErrNoProfile = errors.New("no stored hub profile")

// Reconnect opens a session with the connection code remembered in the
// profile store and, when a session token is stored, re-authenticates with it.
// It reports whether the session is authenticated. A token the hub rejects is
// forgotten.
func (c *Client) Reconnect(ctx context.Context, timeout time.Duration) (bool, error) {
	if c.profile == nil {
		return false, ErrNoProfile
	}
	user, err := c.profile.GetLocalUser()
	if err != nil {
		return false, fmt.Errorf("failed to read profile: %w", err)
	}
	if user == nil || user.ServerCode == "" {
		return false, ErrNoProfile
	}

	if err := c.ConnectToServer(ctx, user.ServerCode, timeout); err != nil {
		return false, err
	}
	if !user.LoggedIn || user.SessionToken == "" {
		return false, nil
	}

	res := c.LoginWithSession(ctx, user.Email, user.SessionToken)
	switch {
	case res.Success:
		return true, nil
	case res.Failure == FailureServer:
		c.log.WithField("reason", res.Info).Info("stored session rejected by hub")
		if err := c.profile.LogoutUser(); err != nil {
			c.log.WithError(err).Warn("failed to clear rejected session")
		}
		return false, nil
	default:
		return false, fmt.Errorf("failed to restore session: %s", res.Info)
	}
}

// Logout forgets the stored session token, keeping the hub code.
func (c *Client) Logout() error {
	if c.profile == nil {
		return nil
	}
	return c.profile.LogoutUser()
}

// LocalUser returns the stored profile, or nil.
func (c *Client) LocalUser() (*profile.User, error) {
	if c.profile == nil {
		return nil, nil
	}
	return c.profile.GetLocalUser()
}

func (c *Client) rememberCode(code string) {
	c.updateProfile(func(u *profile.User) {
		u.ServerCode = code
	})
}

func (c *Client) rememberLogin(email, token string) {
	c.updateProfile(func(u *profile.User) {
		u.Email = email
		u.LoggedIn = true
		u.SessionToken = token
	})
}

func (c *Client) updateProfile(f func(u *profile.User)) {
	if c.profile == nil {
		return
	}
	user, err := c.profile.GetLocalUser()
	if err != nil {
		c.log.WithError(err).Warn("failed to read profile")
		return
	}
	if user == nil {
		user = &profile.User{}
	}
	f(user)
	if err := c.profile.SetLocalUser(user); err != nil {
		c.log.WithError(err).Warn("failed to write profile")
	}
}
