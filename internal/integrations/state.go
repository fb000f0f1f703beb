package integrations

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const StateTTL = 15 * time.Minute

// clock skew tolerated for states issued by another instance
const stateSkew = time.Minute

var ErrInvalidState = errors.New("invalid oauth state")

// State is the payload carried through an OAuth redirect.
type State struct {
	OrgID       string
	UserID      string
	Integration string
	IssuedAt    int64
	Nonce       string
}

type stateClaims struct {
	jwt.RegisteredClaims
	OrgID       string `json:"org_id"`
	UserID      string `json:"user_id,omitempty"`
	Integration string `json:"integration"`
	Nonce       string `json:"nonce"`
}

// StateSigner issues and verifies OAuth state values as HS256 JWTs.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner uses secret as the signing key. An empty secret gets a
// random per-process key, so states do not survive a restart.
func NewStateSigner(secret []byte) *StateSigner {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
	}
	return &StateSigner{secret: secret, ttl: StateTTL, now: time.Now}
}

func (s *StateSigner) Sign(st State) (string, error) {
	now := s.now()
	if st.Nonce == "" {
		st.Nonce = uuid.NewString()
	}
	claims := &stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		OrgID:       st.OrgID,
		UserID:      st.UserID,
		Integration: st.Integration,
		Nonce:       st.Nonce,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return token, nil
}

// Verify checks the signature, the expiry, and that the state was issued for
// orgID and integration.
func (s *StateSigner) Verify(token, orgID, integration string) (State, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(stateSkew),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return State{}, fmt.Errorf("%w: expired", ErrInvalidState)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return State{}, fmt.Errorf("%w: bad signature", ErrInvalidState)
	case err != nil:
		return State{}, fmt.Errorf("%w: malformed", ErrInvalidState)
	}

	if claims.OrgID != orgID {
		return State{}, fmt.Errorf("%w: organization mismatch", ErrInvalidState)
	}
	if !strings.EqualFold(claims.Integration, integration) {
		return State{}, fmt.Errorf("%w: integration mismatch", ErrInvalidState)
	}
	st := State{
		OrgID:       claims.OrgID,
		UserID:      claims.UserID,
		Integration: claims.Integration,
		Nonce:       claims.Nonce,
	}
	if claims.IssuedAt != nil {
		st.IssuedAt = claims.IssuedAt.Unix()
	}
	return st, nil
}
