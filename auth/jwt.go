package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "patrolkeeper-api"

// Role of a token holder
type Role string

const (
	RoleDevice     Role = "DEVICE"
	RoleSupervisor Role = "SUPERVISOR"
)

// Claims identifies a guard device or a supervisor console
type Claims struct {
	DeviceID string `json:"device_id"`
	GuardID  string `json:"guard_id,omitempty"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager handles device token generation and validation
type JWTManager struct {
	secretKey       []byte
	tokenExpiration time.Duration
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secretKey string, tokenExpiration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:       []byte(secretKey),
		tokenExpiration: tokenExpiration,
	}
}

// GenerateDeviceToken issues a token for a device operated by guardID
func (m *JWTManager) GenerateDeviceToken(deviceID, guardID string) (string, error) {
	return m.generate(deviceID, guardID, RoleDevice)
}

// GenerateSupervisorToken issues a token for a supervisor console
func (m *JWTManager) GenerateSupervisorToken(consoleID string) (string, error) {
	return m.generate(consoleID, "", RoleSupervisor)
}

func (m *JWTManager) generate(deviceID, guardID string, role Role) (string, error) {
	if deviceID == "" {
		return "", errors.New("device id is required")
	}
	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		GuardID:  guardID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   deviceID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// ValidateToken validates a JWT token and returns the claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.DeviceID == "" {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// ExtractToken extracts the token from the Authorization header
// Expected format: "Bearer <token>"
func ExtractToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header is empty")
	}

	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}

	return authHeader[7:], nil
}
