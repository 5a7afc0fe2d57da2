package errors

import "time"

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	// Submission (E001-E099)
	CodeInvalidPayload ErrorCode = "E001"
	CodeRateLimited    ErrorCode = "E002"

	// Inbox (E101-E199)
	CodeInboxClosed ErrorCode = "E101"
	CodeStoreFailed ErrorCode = "E102"

	// Backlog (E201-E299)
	CodeBacklogUnavailable ErrorCode = "E201"
	CodeBacklogQuery       ErrorCode = "E202"

	// Membership (E301-E399)
	CodeDomainStore    ErrorCode = "E301"
	CodeUnknownCluster ErrorCode = "E302"
	CodeInvalidChange  ErrorCode = "E303"
	CodeUnknownUser    ErrorCode = "E304"

	// Query pipelines (E401-E499)
	CodeSubscriberFault ErrorCode = "E401"
	CodePipelineClosed  ErrorCode = "E402"

	// Transport (E501-E599)
	CodeConnectionClosed ErrorCode = "E501"
	CodeSendBufferFull   ErrorCode = "E502"

	// Federation (E601-E699)
	CodeBusUnavailable ErrorCode = "E601"
	CodeBusProtocol    ErrorCode = "E602"
	CodeOutboxFailed   ErrorCode = "E603"

	// Config (E701-E799)
	CodeInvalidConfig ErrorCode = "E701"
)

var (
	// ErrInboxClosed is returned by Post after Stop
	ErrInboxClosed = &HubError{Domain: DomainInbox, Code: CodeInboxClosed, Message: "inbox is stopped"}
	// ErrPipelineClosed is returned when delivering to a disposed pipeline
	ErrPipelineClosed = &HubError{Domain: DomainQuery, Code: CodePipelineClosed, Message: "pipeline is closed"}
	// ErrConnectionClosed is returned when writing to a closed viewer connection
	ErrConnectionClosed = &HubError{Domain: DomainTransport, Code: CodeConnectionClosed, Message: "connection is closed"}
	// ErrBusUnavailable is returned when no federation peer is reachable
	ErrBusUnavailable = &HubError{Domain: DomainFederation, Code: CodeBusUnavailable, Message: "federation bus unavailable"}
)

// ErrInvalidPayload rejects a malformed submission
func ErrInvalidPayload(reason string) *HubError {
	return NewWithOp(DomainSubmission, CodeInvalidPayload, "Submit", "invalid error payload").
		WithContext("reason", reason).
		WithSeverity(SeverityWarning)
}

// ErrRateLimited rejects a submission that exceeded its source budget
func ErrRateLimited(sourceID string) *HubError {
	return NewWithOp(DomainSubmission, CodeRateLimited, "Submit", "submission rate exceeded").
		WithContext("source_id", sourceID).
		WithSeverity(SeverityWarning)
}

// ErrStoreFailed wraps a backlog failure seen by Post
func ErrStoreFailed(sourceID string, cause error) *HubError {
	return NewWithOp(DomainInbox, CodeStoreFailed, "Post", "failed to persist error payload").
		WithContext("source_id", sourceID).
		WithCause(cause)
}

// ErrBacklog wraps a backlog storage failure
func ErrBacklog(op string, cause error) *HubError {
	return NewWithOp(DomainBacklog, CodeBacklogUnavailable, op, "backlog storage failed").
		WithCause(cause)
}

// ErrDomainStore wraps a membership store failure
func ErrDomainStore(op string, cause error) *HubError {
	return NewWithOp(DomainMembership, CodeDomainStore, op, "membership store failed").
		WithCause(cause)
}

// ErrUnknownCluster reports a mutation against a missing cluster
func ErrUnknownCluster(op, cluster string) *HubError {
	return NewWithOp(DomainMembership, CodeUnknownCluster, op, "cluster does not exist").
		WithContext("cluster", cluster).
		WithSeverity(SeverityWarning)
}

// ErrUnknownUser reports a token operation against a missing user
func ErrUnknownUser(op, user string) *HubError {
	return NewWithOp(DomainMembership, CodeUnknownUser, op, "user does not exist").
		WithContext("user", user).
		WithSeverity(SeverityWarning)
}

// ErrInvalidChange rejects a malformed membership change
func ErrInvalidChange(reason string) *HubError {
	return NewWithOp(DomainMembership, CodeInvalidChange, "Apply", "invalid membership change").
		WithContext("reason", reason).
		WithSeverity(SeverityWarning)
}

// ErrSubscriberFault isolates a panicking or failing subscriber
func ErrSubscriberFault(subscriber string, cause error) *HubError {
	return NewWithOp(DomainQuery, CodeSubscriberFault, "Deliver", "subscriber failed").
		WithContext("subscriber", subscriber).
		WithCause(cause).
		WithSeverity(SeverityWarning)
}

// ErrSendBufferFull reports a viewer that cannot keep up
func ErrSendBufferFull(connID string) *HubError {
	return NewWithOp(DomainTransport, CodeSendBufferFull, "Send", "connection send buffer full").
		WithContext("connection_id", connID).
		WithContext("hint", "viewer is too slow and will be disconnected").
		WithSeverity(SeverityWarning)
}

// ErrBusProtocol reports an undecodable or unexpected bus message
func ErrBusProtocol(peer string, cause error) *HubError {
	return NewWithOp(DomainFederation, CodeBusProtocol, "Receive", "federation protocol error").
		WithContext("peer", peer).
		WithCause(cause).
		WithSeverity(SeverityWarning)
}

// ErrBusDial reports a failed connection attempt to a peer
func ErrBusDial(endpoint string, attempt int, cause error) *HubError {
	return NewWithOp(DomainFederation, CodeBusUnavailable, "Dial", "failed to reach federation peer").
		WithContext("endpoint", endpoint).
		WithContext("attempt", attempt).
		WithCause(cause).
		WithSeverity(SeverityWarning)
}

// ErrOutbox wraps a federation outbox failure
func ErrOutbox(op string, cause error) *HubError {
	return NewWithOp(DomainFederation, CodeOutboxFailed, op, "federation outbox failed").
		WithCause(cause)
}

// ErrInvalidConfig reports a configuration validation failure
func ErrInvalidConfig(field, reason string) *HubError {
	return NewWithOp(DomainConfig, CodeInvalidConfig, "Validate", "invalid configuration").
		WithContext("field", field).
		WithContext("reason", reason).
		WithSeverity(SeverityFatal)
}

// ErrorSpec describes an error code for documentation
type ErrorSpec struct {
	Code        ErrorCode   `json:"code"`
	Domain      ErrorDomain `json:"domain"`
	Description string      `json:"description"`
	Resolution  string      `json:"resolution"`
}

// Registry lists every code with a short resolution hint
var Registry = map[ErrorCode]ErrorSpec{
	CodeInvalidPayload:     {CodeInvalidPayload, DomainSubmission, "submission failed validation", "fix the client; not retried"},
	CodeRateLimited:        {CodeRateLimited, DomainSubmission, "source exceeded its submission rate", "retry later"},
	CodeInboxClosed:        {CodeInboxClosed, DomainInbox, "inbox no longer accepts posts", "instance is shutting down"},
	CodeStoreFailed:        {CodeStoreFailed, DomainInbox, "payload could not be persisted", "caller decides retry policy"},
	CodeBacklogUnavailable: {CodeBacklogUnavailable, DomainBacklog, "backlog storage failed", "check database availability"},
	CodeBacklogQuery:       {CodeBacklogQuery, DomainBacklog, "recap query failed", "check database availability"},
	CodeDomainStore:        {CodeDomainStore, DomainMembership, "membership store failed", "check store path and permissions"},
	CodeUnknownCluster:     {CodeUnknownCluster, DomainMembership, "cluster does not exist", "create the cluster first"},
	CodeInvalidChange:      {CodeInvalidChange, DomainMembership, "malformed membership change", "check the federation peer version"},
	CodeUnknownUser:        {CodeUnknownUser, DomainMembership, "user does not exist", "add the user to a cluster first"},
	CodeSubscriberFault:    {CodeSubscriberFault, DomainQuery, "a subscriber failed", "viewer reconnects"},
	CodePipelineClosed:     {CodePipelineClosed, DomainQuery, "pipeline already disposed", "none"},
	CodeConnectionClosed:   {CodeConnectionClosed, DomainTransport, "viewer connection closed", "viewer reconnects"},
	CodeSendBufferFull:     {CodeSendBufferFull, DomainTransport, "viewer too slow", "viewer reconnects"},
	CodeBusUnavailable:     {CodeBusUnavailable, DomainFederation, "federation peer unreachable", "reconnect is automatic"},
	CodeBusProtocol:        {CodeBusProtocol, DomainFederation, "bad federation message", "align peer versions and codecs"},
	CodeOutboxFailed:       {CodeOutboxFailed, DomainFederation, "outbox storage failed", "check outbox path"},
	CodeInvalidConfig:      {CodeInvalidConfig, DomainConfig, "configuration invalid", "run errorhub validate"},
}

// Since reports how long ago the error was created
func (e *HubError) Since() time.Duration {
	return time.Since(e.Timestamp)
}
