// Package sessiontoken issues short-lived credentials for joining a live session channel.
package sessiontoken

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	"github.com/golang-jwt/jwt/v5"
)

const defaultTTL = 2 * time.Hour

// ErrInvalidConfig reports an unusable issuer configuration.
var ErrInvalidConfig = errors.New("sessiontoken: invalid config")

// Claims identify a participant inside one channel.
type Claims struct {
	Channel       string `json:"channel"`
	ParticipantID uint32 `json:"uid"`
	Role          string `json:"role"`
	jwt.RegisteredClaims
}

// Config configures the issuer.
type Config struct {
	AppID      string
	SigningKey string
	TTL        time.Duration
	Now        func() time.Time
}

// Issuer signs HS256 session tokens.
type Issuer struct {
	appID      string
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// New validates config and returns an Issuer.
func New(config Config) (*Issuer, error) {
	if strings.TrimSpace(config.SigningKey) == "" {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidConfig)
	}
	if config.TTL < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", ErrInvalidConfig)
	}
	issuer := &Issuer{appID: config.AppID, signingKey: []byte(config.SigningKey), ttl: config.TTL, now: config.Now}
	if issuer.ttl == 0 {
		issuer.ttl = defaultTTL
	}
	if issuer.now == nil {
		issuer.now = time.Now
	}
	return issuer, nil
}

// IssueSessionToken signs a token for participantID in channelName.
func (issuer *Issuer) IssueSessionToken(ctx context.Context, channelName string, participantID uint32, role string) (string, error) {
	if channelName == "" {
		return "", fmt.Errorf("sessiontoken: channel name is required")
	}
	now := issuer.now().UTC()
	claims := Claims{
		Channel:       channelName,
		ParticipantID: participantID,
		Role:          role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.appID,
			Subject:   strconv.FormatUint(uint64(participantID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(issuer.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.signingKey)
	if err != nil {
		return "", fmt.Errorf("sessiontoken: sign: %w", err)
	}
	return signed, nil
}

// Parse verifies a token issued by this Issuer and returns its claims.
func (issuer *Issuer) Parse(raw string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		return issuer.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer.appID),
		jwt.WithTimeFunc(issuer.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("sessiontoken: parse: %w", err)
	}
	return claims, nil
}

var _ booking.SessionTokenIssuer = (*Issuer)(nil)
