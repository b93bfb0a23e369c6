package registration

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// checkInValidity is how long a check-in payload stays scannable after the
// preferred date; it matches the stale-registration window.
const checkInValidity = 24 * time.Hour

// CheckInClaims is the body of the QR payload handed to the donor.
type CheckInClaims struct {
	jwt.RegisteredClaims
	Code       string    `json:"code"`
	DonorID    uuid.UUID `json:"donor"`
	FacilityID uuid.UUID `json:"facility"`
}

// CheckInSigner issues and verifies check-in payloads. The payload is an
// HS256 JWT so that staff devices can scan it offline and the server can
// reject forgeries.
type CheckInSigner struct {
	key    []byte
	issuer string
}

func NewCheckInSigner(key []byte, issuer string) *CheckInSigner {
	return &CheckInSigner{key: key, issuer: issuer}
}

// Issue signs a payload for an approved registration.
func (s *CheckInSigner) Issue(r *Registration, code string, now time.Time) (string, error) {
	if len(s.key) == 0 {
		return "", errors.New("check-in signing key is not configured")
	}
	claims := CheckInClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        code,
			Subject:   r.ID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(r.PreferredDate.Add(checkInValidity)),
		},
		Code:       code,
		DonorID:    r.DonorID,
		FacilityID: r.FacilityID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks signature, issuer and expiry against now.
func (s *CheckInSigner) Verify(payload string, now time.Time) (*CheckInClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	claims := &CheckInClaims{}
	_, err := jwt.ParseWithClaims(payload, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid check-in payload: %w", err)
	}
	return claims, nil
}
