package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/config"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Role string

const (
	RoleOperator   Role = "operator"
	RoleTechnician Role = "technician"
)

type Permission string

const (
	// PermOperate: gate, flavour, batch, top-up and prime.
	PermOperate Permission = "operate"
	// PermMaintain: speeds and cleaning.
	PermMaintain Permission = "maintain"
)

func (r Role) Permissions() []Permission {
	switch r {
	case RoleTechnician:
		return []Permission{PermOperate, PermMaintain}
	case RoleOperator:
		return []Permission{PermOperate}
	default:
		return nil
	}
}

// EventLog records login attempts. Optional.
type EventLog interface {
	LogAuthEvent(ctx context.Context, eventType, role, ipAddress string, success bool, reason string) error
}

type Session struct {
	Token     string    `json:"token"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

type AuthService struct {
	enabled bool
	jwt     *JWTHandler
	hasher  *PINHasher
	hashes  []roleHash
	events  EventLog
	logger  *zap.Logger
}

type roleHash struct {
	role Role
	hash string
}

// NewAuthService builds the PIN login. With auth disabled every request
// is treated as technician.
func NewAuthService(cfg config.AuthConfig, events EventLog, logger *zap.Logger) *AuthService {
	s := &AuthService{
		enabled: cfg.Enabled,
		jwt:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		hasher:  NewPINHasher(),
		events:  events,
		logger:  logger,
	}
	// technician first: a shared PIN grants the higher role
	if cfg.TechnicianPINHash != "" {
		s.hashes = append(s.hashes, roleHash{RoleTechnician, cfg.TechnicianPINHash})
	}
	if cfg.OperatorPINHash != "" {
		s.hashes = append(s.hashes, roleHash{RoleOperator, cfg.OperatorPINHash})
	}
	return s
}

func (a *AuthService) Enabled() bool {
	return a.enabled
}

// Login checks pin against the configured hashes and returns a session.
func (a *AuthService) Login(ctx context.Context, pin, ipAddress string) (*Session, error) {
	for _, rh := range a.hashes {
		ok, err := a.hasher.Verify(pin, rh.hash)
		if err != nil {
			a.logger.Error("Configured PIN hash unusable", zap.String("role", string(rh.role)), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		token, expires, err := a.jwt.GenerateAccessToken(rh.role)
		if err != nil {
			return nil, err
		}
		a.logAuthEvent(ctx, "login", rh.role, ipAddress, true, "")
		a.logger.Info("Panel login", zap.String("role", string(rh.role)), zap.String("ip", ipAddress))
		return &Session{Token: token, Role: rh.role, ExpiresAt: expires}, nil
	}

	a.logAuthEvent(ctx, "login", "", ipAddress, false, "invalid pin")
	a.logger.Warn("Panel login failed", zap.String("ip", ipAddress))
	return nil, ErrInvalidCredentials
}

// ValidateToken returns the permissions granted by an access token.
func (a *AuthService) ValidateToken(token string) (Role, []Permission, error) {
	claims, err := a.jwt.ValidateAccessToken(token)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	perms := claims.Role.Permissions()
	if perms == nil {
		return "", nil, fmt.Errorf("%w: unknown role %q", ErrInvalidCredentials, claims.Role)
	}
	return claims.Role, perms, nil
}

// HashPIN produces a hash for the config file.
func (a *AuthService) HashPIN(pin string) (string, error) {
	return a.hasher.Hash(pin)
}

func (a *AuthService) logAuthEvent(ctx context.Context, eventType string, role Role, ip string, success bool, reason string) {
	if a.events == nil {
		return
	}
	if err := a.events.LogAuthEvent(ctx, eventType, string(role), ip, success, reason); err != nil {
		a.logger.Warn("Failed to log auth event", zap.Error(err))
	}
}
