package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newJWKSServer(t *testing.T, kid string, key *rsa.PublicKey) *httptest.Server {
	return newCountingJWKSServer(t, kid, key, nil)
}

func newCountingJWKSServer(t *testing.T, kid string, key *rsa.PublicKey, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": kid,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestClerkAuthMiddleware(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := newJWKSServer(t, "kid-1", &key.PublicKey)

	var seen string
	handler := ClerkAuthMiddleware(srv.URL)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetIdentityID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/session/tabs", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	valid := signToken(t, key, "kid-1", jwt.MapClaims{"sub": "user_123", "exp": time.Now().Add(time.Hour).Unix()})
	require.Equal(t, http.StatusOK, serve("Bearer "+valid))
	require.Equal(t, "user_123", seen)

	require.Equal(t, http.StatusUnauthorized, serve(""))
	require.Equal(t, http.StatusUnauthorized, serve(valid))

	expired := signToken(t, key, "kid-1", jwt.MapClaims{"sub": "user_123", "exp": time.Now().Add(-time.Hour).Unix()})
	require.Equal(t, http.StatusUnauthorized, serve("Bearer "+expired))

	unknownKid := signToken(t, key, "kid-2", jwt.MapClaims{"sub": "user_123", "exp": time.Now().Add(time.Hour).Unix()})
	require.Equal(t, http.StatusUnauthorized, serve("Bearer "+unknownKid))

	noSubject := signToken(t, key, "kid-1", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	require.Equal(t, http.StatusUnauthorized, serve("Bearer "+noSubject))
}

func TestJWKSCache_ThrottlesUnknownKidRefetch(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	var hits atomic.Int32
	srv := newCountingJWKSServer(t, "kid-1", &key.PublicKey, &hits)
	cache := newJWKSCache(srv.URL)

	_, err = cache.key("kid-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = cache.key("kid-unknown")
		require.Error(t, err)
	}
	require.Equal(t, int32(1), hits.Load())

	cache.minRefetch = 0
	_, err = cache.key("kid-unknown")
	require.Error(t, err)
	require.Equal(t, int32(2), hits.Load())
}

func TestJWKSCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	var hits atomic.Int32
	srv := newCountingJWKSServer(t, "kid-1", &key.PublicKey, &hits)
	cache := newJWKSCache(srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.key("kid-unknown")
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), hits.Load())

	found, err := cache.key("kid-1")
	require.NoError(t, err)
	require.Zero(t, key.PublicKey.N.Cmp(found.N))
}
