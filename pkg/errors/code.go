package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Stream & wire protocol errors
// 21000-21999: Sandbox backend errors
// 22000-22999: Agent lifecycle errors
// 23000-23999: Match orchestration errors
// 24000-24999: Bundle retrieval errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300

	// Queue errors (10400-10499)
	QueueError     ErrorCode = 10400
	MatchQueueFull ErrorCode = 10401

	// ========== Stream Errors (20000-20999) ==========

	StreamClosed      ErrorCode = 20000
	StreamIO          ErrorCode = 20001
	UnexpectedMessage ErrorCode = 20002
	MessageTooLarge   ErrorCode = 20003
	InvalidPayload    ErrorCode = 20004
	ProtocolViolation ErrorCode = 20005

	// ========== Sandbox Errors (21000-21999) ==========

	SandboxSpawnFailed    ErrorCode = 21000
	SandboxConnectFailed  ErrorCode = 21001
	SandboxHandshakeFail  ErrorCode = 21002
	SandboxShutdownFailed ErrorCode = 21003
	RecorderTimeout       ErrorCode = 21004
	RecorderUnavailable   ErrorCode = 21005

	// ========== Agent Errors (22000-22999) ==========

	AgentUploadFailed ErrorCode = 22000
	AgentTerminated   ErrorCode = 22001
	AgentTimeout      ErrorCode = 22002
	AgentMisbehaved   ErrorCode = 22003
	FileNotFound      ErrorCode = 22100
	FileTooLarge      ErrorCode = 22101
	FileReadFailed    ErrorCode = 22102
	AgentWriteFailed  ErrorCode = 22103

	// ========== Match Errors (23000-23999) ==========

	MatchCancelled     ErrorCode = 23000
	MatchClosed        ErrorCode = 23001
	InvalidEventType   ErrorCode = 23002
	AgentCountMismatch ErrorCode = 23003
	AgentIndexInvalid  ErrorCode = 23004
	GameNotFound       ErrorCode = 23005
	EventSinkFailed    ErrorCode = 23006

	// ========== Bundle Errors (24000-24999) ==========

	BundleNotFound     ErrorCode = 24000
	BundleGone         ErrorCode = 24001
	BundleBadStatus    ErrorCode = 24002
	BundleHashMismatch ErrorCode = 24003
	BundleFetchFailed  ErrorCode = 24004
	BundleTooLarge     ErrorCode = 24005
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	CacheError:          "Cache operation failed",
	ValidationFailed:    "Validation failed",
	QueueError:          "Message queue operation failed",
	MatchQueueFull:      "Match pool is full",

	StreamClosed:      "Stream closed by peer",
	StreamIO:          "Stream I/O failed",
	UnexpectedMessage: "Unexpected message",
	MessageTooLarge:   "Message exceeds maximum length",
	InvalidPayload:    "Payload contains the frame terminator",
	ProtocolViolation: "Protocol violation",

	SandboxSpawnFailed:    "Failed to spawn sandbox",
	SandboxConnectFailed:  "Failed to connect to sandbox",
	SandboxHandshakeFail:  "Sandbox handshake failed",
	SandboxShutdownFailed: "Failed to shut down sandbox",
	RecorderTimeout:       "Recorder did not stop in time",
	RecorderUnavailable:   "Recorder log unavailable",

	AgentUploadFailed: "Failed to upload agent bundle",
	AgentTerminated:   "Agent terminated",
	AgentTimeout:      "Agent did not respond in time",
	AgentMisbehaved:   "Agent sent an invalid message",
	FileNotFound:      "File not found",
	FileTooLarge:      "File is too large",
	FileReadFailed:    "Failed to read file",
	AgentWriteFailed:  "Failed to write to agent",

	MatchCancelled:     "Match cancelled",
	MatchClosed:        "Match already ended",
	InvalidEventType:   "Invalid event type",
	AgentCountMismatch: "Unexpected number of agents",
	AgentIndexInvalid:  "Agent index out of range",
	GameNotFound:       "Game not found",
	EventSinkFailed:    "Failed to emit event",

	BundleNotFound:     "Agent bundle not found",
	BundleGone:         "Agent bundle no longer exists",
	BundleBadStatus:    "Bundle service returned an unexpected status",
	BundleHashMismatch: "Agent bundle hash mismatch",
	BundleFetchFailed:  "Failed to fetch agent bundle",
	BundleTooLarge:     "Agent bundle exceeds the size limit",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Kind returns the fault class of the error code.
func (c ErrorCode) Kind() FaultKind {
	switch {
	case c == AgentTerminated, c == AgentTimeout, c == AgentMisbehaved:
		return FaultAgent
	case c >= 20000 && c < 21000:
		return FaultProtocol
	case c >= 21000 && c < 22000, c == AgentUploadFailed, c >= 24000 && c < 25000:
		return FaultSetup
	case c >= 22100 && c < 22200:
		return FaultResource
	default:
		return FaultSystem
	}
}
