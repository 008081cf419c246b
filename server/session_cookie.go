package server

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionCookieName = "fhir_session"
	cookieKeyInfo     = "fhir_session cookie signing key"
	cookieKeyLength   = 32
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// sessionCookies signs the session token into an HS256 JWT so the browser can
// carry it across the provider redirect.
type sessionCookies struct {
	secret []byte
	secure bool
	ttl    time.Duration
}

// newSessionCookies derives the signing key from secretKey with HKDF. An empty
// secretKey gets a random key, so cookies do not survive a restart.
func newSessionCookies(secretKey string, secure bool, ttl time.Duration) (*sessionCookies, error) {
	key := make([]byte, cookieKeyLength)
	if secretKey == "" {
		log.Warn().Msg("SECRET_KEY is not set, session cookies are signed with a random key")
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	} else if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secretKey), nil, []byte(cookieKeyInfo)), key); err != nil {
		return nil, err
	}
	return &sessionCookies{secret: key, secure: secure, ttl: ttl}, nil
}

func (c *sessionCookies) sign(sessionToken string) (string, error) {
	now := NowTimeFunc()
	claims := jwtlib.MapClaims{
		"sid": sessionToken,
		"iat": now.Unix(),
		"exp": now.Add(c.ttl).Unix(),
		"jti": uuid.NewString(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("[server sign] failed to sign session cookie: %w", err)
	}
	return signed, nil
}

// verify returns the session token carried by a cookie value.
func (c *sessionCookies) verify(value string) (string, error) {
	claims := jwtlib.MapClaims{}
	_, err := jwtlib.ParseWithClaims(value, claims, c.verificationKey,
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(NowTimeFunc),
	)
	if err != nil {
		return "", fmt.Errorf("[server verify] %w", err)
	}
	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return "", fmt.Errorf("[server verify] cookie has no session id")
	}
	return sid, nil
}

func (c *sessionCookies) verificationKey(token *jwtlib.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return c.secret, nil
}

func (c *sessionCookies) set(w http.ResponseWriter, r *http.Request, sessionToken string) {
	signed, err := c.sign(sessionToken)
	if err != nil {
		log.Err(err).Msg("Session cookie not set")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure || getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.ttl.Seconds()),
	})
}

func (c *sessionCookies) clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure || getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// token reads the session token from the request cookie, or "" when the cookie is
// missing or fails verification.
func (c *sessionCookies) token(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	sid, err := c.verify(cookie.Value)
	if err != nil {
		log.Debug().Err(err).Msg("Ignoring session cookie")
		return ""
	}
	return sid
}
