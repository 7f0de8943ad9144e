package relay

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ConnectionToken is the verified identity carried by a signed login.
type ConnectionToken struct {
	ConnectionId string
	RecordName   string
	Inst         string
	UserId       string
	SessionId    string
}

type SessionInfo struct {
	UserId    string
	SessionId string
}

// TokenVerifier is the auth/session collaborator contract.
type TokenVerifier interface {
	VerifyConnectionToken(token string) (*ConnectionToken, error)
	VerifySessionKey(key string) (*SessionInfo, error)
}

// HmacTokenVerifier verifies HS256 tokens signed with a shared secret.
type HmacTokenVerifier struct {
	secret []byte
}

func NewHmacTokenVerifier(secret []byte) *HmacTokenVerifier {
	return &HmacTokenVerifier{
		secret: secret,
	}
}

func (self *HmacTokenVerifier) parse(token string) (gojwt.MapClaims, error) {
	claims := gojwt.MapClaims{}
	_, err := gojwt.ParseWithClaims(
		token,
		claims,
		func(t *gojwt.Token) (any, error) {
			if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return self.secret, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func claimString(claims gojwt.MapClaims, key string) string {
	if value, ok := claims[key]; ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}

func (self *HmacTokenVerifier) VerifyConnectionToken(token string) (*ConnectionToken, error) {
	claims, err := self.parse(token)
	if err != nil {
		return nil, err
	}
	connectionToken := &ConnectionToken{
		ConnectionId: claimString(claims, "connection_id"),
		RecordName:   claimString(claims, "record_name"),
		Inst:         claimString(claims, "inst"),
		UserId:       claimString(claims, "user_id"),
		SessionId:    claimString(claims, "session_id"),
	}
	if connectionToken.ConnectionId == "" {
		return nil, fmt.Errorf("connection token missing connection_id")
	}
	return connectionToken, nil
}

func (self *HmacTokenVerifier) VerifySessionKey(key string) (*SessionInfo, error) {
	claims, err := self.parse(key)
	if err != nil {
		return nil, err
	}
	sessionInfo := &SessionInfo{
		UserId:    claimString(claims, "user_id"),
		SessionId: claimString(claims, "session_id"),
	}
	if sessionInfo.UserId == "" {
		return nil, fmt.Errorf("session key missing user_id")
	}
	return sessionInfo, nil
}

// SignConnectionToken mints a connection token. Used by tooling and
// tests. Production tokens are minted by the auth collaborator.
func SignConnectionToken(secret []byte, connectionToken *ConnectionToken, expiration time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"connection_id": connectionToken.ConnectionId,
		"exp":           time.Now().Add(expiration).Unix(),
	}
	if connectionToken.RecordName != "" {
		claims["record_name"] = connectionToken.RecordName
	}
	if connectionToken.Inst != "" {
		claims["inst"] = connectionToken.Inst
	}
	if connectionToken.UserId != "" {
		claims["user_id"] = connectionToken.UserId
	}
	if connectionToken.SessionId != "" {
		claims["session_id"] = connectionToken.SessionId
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func SignSessionKey(secret []byte, sessionInfo *SessionInfo, expiration time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":    sessionInfo.UserId,
		"session_id": sessionInfo.SessionId,
		"exp":        time.Now().Add(expiration).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
