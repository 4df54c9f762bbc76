package trade

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// InvitationClaims bind a buyer invitation to one trade and one email address.
type InvitationClaims struct {
	TradeID    string `json:"trade_id"`
	BuyerEmail string `json:"buyer_email"`
	jwt.RegisteredClaims
}

var ErrInvalidInvitation = errors.New("trade: invalid invitation token")

// issueInvitationToken signs an invitation for the trade's buyer email.
func issueInvitationToken(secret []byte, tradeID, buyerEmail string, now time.Time, ttl time.Duration) (string, error) {
	claims := InvitationClaims{
		TradeID:    tradeID,
		BuyerEmail: buyerEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("trade: sign invitation token: %w", err)
	}
	return signed, nil
}

// ParseInvitationToken validates the signature and expiry and returns the
// bound trade id and buyer email.
func ParseInvitationToken(secret []byte, tokenString string) (InvitationClaims, error) {
	claims := InvitationClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return InvitationClaims{}, fmt.Errorf("%w: %v", ErrInvalidInvitation, err)
	}
	if claims.TradeID == "" || claims.BuyerEmail == "" {
		return InvitationClaims{}, ErrInvalidInvitation
	}
	return claims, nil
}
