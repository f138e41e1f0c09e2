package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	isucache "github.com/mazrean/isucon-go-tools/v2/cache"
	"github.com/motoki317/sc"
)

var errAccessTokenNotFound = errors.New("access token not found")

// authCaches fronts the in-memory Store's by-token indices with
// sc.Cache, the teacher's pattern for every authenticated role (chair
// auth used an uncached direct DB read in the teacher snapshot — unified
// here per §9's decision, since chair coordinate posting is the hottest
// authenticated path in the whole workload). The Store itself is already
// authoritative and in-process, so the cache buys single-flight
// coalescing under concurrent requests for the same token rather than
// cross-process latency savings.
type authCaches struct {
	users  *sc.Cache[string, *User]
	owners *sc.Cache[string, *Owner]
	chairs *sc.Cache[string, *Chair]
}

func newAuthCaches(store *Store) (*authCaches, error) {
	users, err := isucache.New[string, *User]("userAuthCache", func(_ context.Context, token string) (*User, error) {
		u, ok := store.usersByToken.Get(token)
		if !ok {
			return nil, errAccessTokenNotFound
		}
		return u, nil
	}, 1*time.Second, 5*time.Second, sc.WithCleanupInterval(1*time.Minute))
	if err != nil {
		return nil, err
	}

	owners, err := isucache.New[string, *Owner]("ownerAuthCache", func(_ context.Context, token string) (*Owner, error) {
		o, ok := store.ownersByToken.Get(token)
		if !ok {
			return nil, errAccessTokenNotFound
		}
		return o, nil
	}, 1*time.Second, 5*time.Second, sc.WithMapBackend(1000), sc.EnableStrictCoalescing())
	if err != nil {
		return nil, err
	}

	chairs, err := isucache.New[string, *Chair]("chairAuthCache", func(_ context.Context, token string) (*Chair, error) {
		c, ok := store.chairsByToken.Get(token)
		if !ok {
			return nil, errAccessTokenNotFound
		}
		return c, nil
	}, 1*time.Second, 5*time.Second, sc.WithMapBackend(1000), sc.EnableStrictCoalescing())
	if err != nil {
		return nil, err
	}

	return &authCaches{users: users, owners: owners, chairs: chairs}, nil
}

type ctxKey string

const (
	ctxKeyUser  ctxKey = "user"
	ctxKeyOwner ctxKey = "owner"
	ctxKeyChair ctxKey = "chair"
)

func (a *authCaches) appAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		c, err := r.Cookie("app_session")
		if errors.Is(err, http.ErrNoCookie) || c.Value == "" {
			writeError(w, r, http.StatusUnauthorized, errors.New("app_session cookie is required"))
			return
		}

		user, err := a.users.Get(ctx, c.Value)
		if err != nil {
			if errors.Is(err, errAccessTokenNotFound) {
				writeError(w, r, http.StatusUnauthorized, errors.New("invalid access token"))
				return
			}
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKeyUser, user)))
	})
}

func (a *authCaches) ownerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		c, err := r.Cookie("owner_session")
		if errors.Is(err, http.ErrNoCookie) || c.Value == "" {
			writeError(w, r, http.StatusUnauthorized, errors.New("owner_session cookie is required"))
			return
		}

		owner, err := a.owners.Get(ctx, c.Value)
		if err != nil {
			if errors.Is(err, errAccessTokenNotFound) {
				writeError(w, r, http.StatusUnauthorized, errors.New("invalid access token"))
				return
			}
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKeyOwner, owner)))
	})
}

func (a *authCaches) chairAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		c, err := r.Cookie("chair_session")
		if errors.Is(err, http.ErrNoCookie) || c.Value == "" {
			writeError(w, r, http.StatusUnauthorized, errors.New("chair_session cookie is required"))
			return
		}

		chair, err := a.chairs.Get(ctx, c.Value)
		if err != nil {
			if errors.Is(err, errAccessTokenNotFound) {
				writeError(w, r, http.StatusUnauthorized, errors.New("invalid access token"))
				return
			}
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, ctxKeyChair, chair)))
	})
}
