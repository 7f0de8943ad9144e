package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/instbase/relay/protocol"
)

const defaultApiHttpTimeout = 60 * time.Second
const defaultApiHttpConnectTimeout = 5 * time.Second
const defaultApiHttpTlsTimeout = 5 * time.Second

func defaultApiClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultApiHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultApiHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultApiHttpTimeout,
	}
}

func postJson(ctx context.Context, httpClient *http.Client, url string, args any, result any) error {
	argsJson, err := json.Marshal(args)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(argsJson))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	if http.StatusOK != response.StatusCode {
		return fmt.Errorf("api status %d: %s", response.StatusCode, string(body))
	}
	if result != nil {
		return json.Unmarshal(body, result)
	}
	return nil
}

// HttpPolicyClient fronts the remote policy/records collaborator.
type HttpPolicyClient struct {
	ctx context.Context

	apiUrl     string
	httpClient *http.Client
}

func NewHttpPolicyClient(ctx context.Context, apiUrl string) *HttpPolicyClient {
	return &HttpPolicyClient{
		ctx:        ctx,
		apiUrl:     apiUrl,
		httpClient: defaultApiClient(),
	}
}

func (self *HttpPolicyClient) ResolveMarkers(ctx context.Context, recordName string, inst string) ([]string, error) {
	args := map[string]any{
		"recordName": recordName,
		"inst":       inst,
	}
	var result struct {
		Markers []string `json:"markers"`
	}
	if err := postJson(ctx, self.httpClient, fmt.Sprintf("%s/policy/markers", self.apiUrl), args, &result); err != nil {
		return nil, err
	}
	return result.Markers, nil
}

func (self *HttpPolicyClient) Authorize(ctx context.Context, subject Subject, recordName string, markers []string, permission string) (*AuthorizationResult, error) {
	args := map[string]any{
		"subjectKind": subject.Kind,
		"subjectId":   subject.Id,
		"recordName":  recordName,
		"markers":     markers,
		"permission":  permission,
	}
	var result struct {
		Allowed bool                   `json:"allowed"`
		Reason  *protocol.DenialReason `json:"reason"`
	}
	if err := postJson(ctx, self.httpClient, fmt.Sprintf("%s/policy/authorize", self.apiUrl), args, &result); err != nil {
		return nil, err
	}
	if result.Allowed {
		return Allowed(), nil
	}
	return Denied(result.Reason), nil
}

// HttpTokenVerifier fronts the remote auth/session collaborator.
type HttpTokenVerifier struct {
	ctx context.Context

	apiUrl     string
	httpClient *http.Client
}

func NewHttpTokenVerifier(ctx context.Context, apiUrl string) *HttpTokenVerifier {
	return &HttpTokenVerifier{
		ctx:        ctx,
		apiUrl:     apiUrl,
		httpClient: defaultApiClient(),
	}
}

func (self *HttpTokenVerifier) VerifyConnectionToken(token string) (*ConnectionToken, error) {
	args := map[string]any{
		"token": token,
	}
	var result struct {
		ConnectionId string `json:"connectionId"`
		RecordName   string `json:"recordName"`
		Inst         string `json:"inst"`
		UserId       string `json:"userId"`
		SessionId    string `json:"sessionId"`
	}
	if err := postJson(self.ctx, self.httpClient, fmt.Sprintf("%s/auth/verify-connection-token", self.apiUrl), args, &result); err != nil {
		return nil, err
	}
	return &ConnectionToken{
		ConnectionId: result.ConnectionId,
		RecordName:   result.RecordName,
		Inst:         result.Inst,
		UserId:       result.UserId,
		SessionId:    result.SessionId,
	}, nil
}

func (self *HttpTokenVerifier) VerifySessionKey(key string) (*SessionInfo, error) {
	args := map[string]any{
		"sessionKey": key,
	}
	var result struct {
		UserId    string `json:"userId"`
		SessionId string `json:"sessionId"`
	}
	if err := postJson(self.ctx, self.httpClient, fmt.Sprintf("%s/auth/verify-session-key", self.apiUrl), args, &result); err != nil {
		return nil, err
	}
	return &SessionInfo{
		UserId:    result.UserId,
		SessionId: result.SessionId,
	}, nil
}
