package session

import (
	"golang.org/x/oauth2"
)

type storeTokenSource struct {
	store *Store
}

// TokenSource exposes the current access token to oauth2-aware HTTP stacks.
// It never refreshes; rotation stays with the Refresher.
func (s *Store) TokenSource() oauth2.TokenSource {
	return storeTokenSource{store: s}
}

func (ts storeTokenSource) Token() (*oauth2.Token, error) {
	sess, ok := ts.store.Current()
	if !ok || sess.AccessToken == "" {
		return nil, ErrNotLoggedIn
	}
	return &oauth2.Token{
		AccessToken: sess.AccessToken,
		TokenType:   "Bearer",
		Expiry:      sess.AccessExpiresAt,
	}, nil
}
