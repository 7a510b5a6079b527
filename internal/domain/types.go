package domain

// UnknownVersion marks a notification whose version could not be determined by the transport.
const UnknownVersion int64 = -1

// MinNextExpectedVersion is the smallest version a recoverer may be initialized to.
// The first invalidation of any object carries version 1.
const MinNextExpectedVersion int64 = 1

// EmptyPayload is sent by transports that cannot distinguish a present-but-empty payload
// from one the server chose not to send.
const EmptyPayload = "*%*EMPTY_PAYLOAD*%*"

type PartitionID uint8

type VersioningRequirement uint8

const (
	// VersioningNone objects are delivered raw, without ordering or recovery.
	VersioningNone VersioningRequirement = iota
	// VersioningPayloads objects go through a recovering channel.
	VersioningPayloads
)

func (v VersioningRequirement) String() string {
	switch v {
	case VersioningNone:
		return "none"
	case VersioningPayloads:
		return "payloads"
	default:
		return "unknown"
	}
}

// ParseVersioning maps config values onto a VersioningRequirement.
func ParseVersioning(s string) (VersioningRequirement, bool) {
	switch s {
	case "none", "NONE":
		return VersioningNone, true
	case "payloads", "PAYLOADS", "":
		return VersioningPayloads, true
	default:
		return 0, false
	}
}

type ObjectID struct {
	Name       string
	Versioning VersioningRequirement
}

func (id ObjectID) String() string {
	return id.Name + "/" + id.Versioning.String()
}

// Notification is one pushed invalidation. A nil Payload without ExplicitEmpty means the
// server squelched the payload and it has to be fetched through recovery.
type Notification struct {
	Version       int64
	Payload       []byte
	ExplicitEmpty bool
}

func (n Notification) Squelched() bool {
	return n.Payload == nil && !n.ExplicitEmpty
}

type RecoveredItem struct {
	Version int64
	Payload []byte
}

// ObjectRoute pins an object name to the partition that serializes its work.
type ObjectRoute struct {
	Name        string
	PartitionID PartitionID
	FirstSeenNs int64
}

// Invalidation is a notification addressed to an object, in the form transports carry it.
type Invalidation struct {
	ObjectName string
	Notification
	Source    string
	SourceRef string
}
