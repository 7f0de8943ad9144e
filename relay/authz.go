package relay

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/instbase/relay/protocol"
)

const (
	SubjectKindUser = "user"
	SubjectKindInst = "inst"
)

// permissions checked by the sync handler
const (
	PermissionInstRead       = "inst.read"
	PermissionInstUpdateData = "inst.updateData"
	PermissionInstCreate     = "inst.create"
	PermissionInstSendAction = "inst.sendAction"
)

type Subject struct {
	Kind string
	Id   string
}

type AuthorizationResult struct {
	Allowed bool
	Reason  *protocol.DenialReason
}

func Allowed() *AuthorizationResult {
	return &AuthorizationResult{
		Allowed: true,
	}
}

func Denied(reason *protocol.DenialReason) *AuthorizationResult {
	return &AuthorizationResult{
		Reason: reason,
	}
}

// PolicyClient is the external policy/records collaborator.
type PolicyClient interface {
	// ResolveMarkers returns the permission markers applicable to the
	// inst within the record
	ResolveMarkers(ctx context.Context, recordName string, inst string) ([]string, error)

	// Authorize answers allow/deny for one (subject, permission, marker
	// set) triple
	Authorize(ctx context.Context, subject Subject, recordName string, markers []string, permission string) (*AuthorizationResult, error)
}

// AuthorizationGate mediates every privileged handler operation.
// for a durable branch both the acting user (when authenticated) and
// the acting inst identity (when inst-scoped) must pass independently.
// anonymous branches have no record to authorize against and are open.
type AuthorizationGate struct {
	policy PolicyClient
}

func NewAuthorizationGate(policy PolicyClient) *AuthorizationGate {
	return &AuthorizationGate{
		policy: policy,
	}
}

// Authorize checks `permission` on the branch key for the connection.
// returns nil when allowed, the structured denial when denied.
func (self *AuthorizationGate) Authorize(ctx context.Context, branchKey BranchKey, connection *Connection, permission string) (*protocol.DenialReason, error) {
	if !branchKey.Durable() {
		return nil, nil
	}

	markers, err := self.policy.ResolveMarkers(ctx, branchKey.RecordName, branchKey.Inst)
	if err != nil {
		return nil, err
	}

	subjects := []Subject{}
	if connection.UserId != "" {
		subjects = append(subjects, Subject{
			Kind: SubjectKindUser,
			Id:   connection.UserId,
		})
	}
	subjects = append(subjects, Subject{
		Kind: SubjectKindInst,
		Id:   branchKey.Inst,
	})

	for _, subject := range subjects {
		result, err := self.policy.Authorize(ctx, subject, branchKey.RecordName, markers, permission)
		if err != nil {
			return nil, err
		}
		if !result.Allowed {
			reason := result.Reason
			if reason == nil {
				reason = &protocol.DenialReason{
					Kind:       subject.Kind,
					Id:         subject.Id,
					Permission: permission,
				}
			}
			glog.V(1).Infof("[h]deny %s %s %s/%s\n", branchKey, permission, reason.Kind, reason.Id)
			return reason, nil
		}
	}
	return nil, nil
}

// AllowAllPolicy authorizes everything. Used for deployments that scope
// access at the network layer and for tests.
type AllowAllPolicy struct {
}

func NewAllowAllPolicy() *AllowAllPolicy {
	return &AllowAllPolicy{}
}

func (self *AllowAllPolicy) ResolveMarkers(ctx context.Context, recordName string, inst string) ([]string, error) {
	return []string{}, nil
}

func (self *AllowAllPolicy) Authorize(ctx context.Context, subject Subject, recordName string, markers []string, permission string) (*AuthorizationResult, error) {
	return Allowed(), nil
}

// MemoryPolicy is an in-process policy table keyed by
// (subject kind, subject id, record, permission). Used for single-node
// deployments and tests.
type MemoryPolicy struct {
	stateLock sync.Mutex

	// record -> inst -> markers
	markers map[string]map[string][]string
	// grants[recordName][subjectKind][subjectId][permission]
	grants map[string]map[string]map[string]map[string]bool
}

func NewMemoryPolicy() *MemoryPolicy {
	return &MemoryPolicy{
		markers: map[string]map[string][]string{},
		grants:  map[string]map[string]map[string]map[string]bool{},
	}
}

func (self *MemoryPolicy) SetMarkers(recordName string, inst string, markers []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	instMarkers, ok := self.markers[recordName]
	if !ok {
		instMarkers = map[string][]string{}
		self.markers[recordName] = instMarkers
	}
	instMarkers[inst] = markers
}

func (self *MemoryPolicy) Grant(recordName string, subject Subject, permissions ...string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	kinds, ok := self.grants[recordName]
	if !ok {
		kinds = map[string]map[string]map[string]bool{}
		self.grants[recordName] = kinds
	}
	ids, ok := kinds[subject.Kind]
	if !ok {
		ids = map[string]map[string]bool{}
		kinds[subject.Kind] = ids
	}
	grants, ok := ids[subject.Id]
	if !ok {
		grants = map[string]bool{}
		ids[subject.Id] = grants
	}
	for _, permission := range permissions {
		grants[permission] = true
	}
}

func (self *MemoryPolicy) ResolveMarkers(ctx context.Context, recordName string, inst string) ([]string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if instMarkers, ok := self.markers[recordName]; ok {
		if markers, ok := instMarkers[inst]; ok {
			return markers, nil
		}
	}
	return []string{}, nil
}

func (self *MemoryPolicy) Authorize(ctx context.Context, subject Subject, recordName string, markers []string, permission string) (*AuthorizationResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.grants[recordName][subject.Kind][subject.Id][permission] {
		return Allowed(), nil
	}
	var marker string
	if 0 < len(markers) {
		marker = markers[0]
	}
	return Denied(&protocol.DenialReason{
		Kind:       subject.Kind,
		Id:         subject.Id,
		Permission: permission,
		Marker:     marker,
	}), nil
}
