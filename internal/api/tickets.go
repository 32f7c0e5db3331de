package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tracewire/tracewire-core/internal/infrastructure/config"
)

// defaultTicketTTL is used when the config leaves the ticket lifetime unset.
const defaultTicketTTL = 30 * time.Second

// ticketIssuer mints and redeems single-use WebSocket tickets.
//
// A ticket is a short-lived HS256 JWT whose jti stays pending until it is
// redeemed or expires. Redemption validates the signature and consumes
// the jti, so a captured ticket cannot be replayed.
type ticketIssuer struct {
	secret []byte
	ttl    time.Duration

	mu      sync.Mutex
	pending map[string]time.Time // jti -> expiry
}

func newTicketIssuer(cfg config.JWTConfig) *ticketIssuer {
	ttl := time.Duration(cfg.TicketTTL) * time.Second
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	return &ticketIssuer{
		secret:  []byte(cfg.Secret),
		ttl:     ttl,
		pending: make(map[string]time.Time),
	}
}

// Mint issues a new ticket and returns the signed token.
func (t *ticketIssuer) Mint() (string, error) {
	id := uuid.NewString()
	now := time.Now()

	claims := jwt.RegisteredClaims{
		ID:        id,
		Subject:   "ws",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing ticket: %w", err)
	}

	t.mu.Lock()
	t.pending[id] = now.Add(t.ttl)
	t.mu.Unlock()

	return signed, nil
}

// Redeem validates a ticket and consumes it. A ticket redeems exactly
// once; expired, forged, and already-used tickets all fail.
func (t *ticketIssuer) Redeem(token string) bool {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || claims.ID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[claims.ID]; !ok {
		return false
	}
	delete(t.pending, claims.ID)
	return true
}

// prune drops expired tickets that were never redeemed.
func (t *ticketIssuer) prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, expiry := range t.pending {
		if now.After(expiry) {
			delete(t.pending, id)
		}
	}
}

// pruneLoop runs prune periodically until the context is cancelled.
func (t *ticketIssuer) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(t.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.prune(time.Now())
		}
	}
}

// handleWSTicket issues a single-use WebSocket ticket. The client opens
// the WebSocket with ?ticket=... so the bearer token never rides in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, _ *http.Request) {
	ticket, err := s.tickets.Mint()
	if err != nil {
		writeInternalError(w, "failed to issue ticket")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(s.tickets.ttl.Seconds()),
	})
}
