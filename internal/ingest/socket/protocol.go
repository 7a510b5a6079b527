package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown     Operation = 0
	OperationNotify      Operation = 1
	OperationNotifyBatch Operation = 2
	OperationPing        Operation = 3
	OperationRecover     Operation = 4
	OperationGetObject   Operation = 5
	OperationHealth      Operation = 7
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
	ErrorCodeConflict        ErrorCode = 6
)

type SocketRequest struct {
	RequestId   string              `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken   string              `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation   int32               `protobuf:"varint,3,opt,name=operation,proto3"`
	Notify      *NotifyRequest      `protobuf:"bytes,4,opt,name=notify,proto3"`
	NotifyBatch *NotifyBatchRequest `protobuf:"bytes,5,opt,name=notify_batch,json=notifyBatch,proto3"`
	Recover     *RecoverRequest     `protobuf:"bytes,6,opt,name=recover,proto3"`
	GetObject   *ObjectQuery        `protobuf:"bytes,7,opt,name=get_object,json=getObject,proto3"`
	Ping        *PingRequest        `protobuf:"bytes,8,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string           `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32            `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string           `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Notify       *NotifyResponse  `protobuf:"bytes,4,opt,name=notify,proto3"`
	Pong         *PongResponse    `protobuf:"bytes,5,opt,name=pong,proto3"`
	Recover      *RecoverResponse `protobuf:"bytes,6,opt,name=recover,proto3"`
	Object       *ObjectResponse  `protobuf:"bytes,7,opt,name=object,proto3"`
	Health       *HealthResponse  `protobuf:"bytes,8,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// Invalidation is the wire form of a pushed invalidation. Proto3 cannot tell an empty
// payload from an absent one, so HasPayload carries that bit. A zero version is unknown.
type Invalidation struct {
	ObjectName   string `protobuf:"bytes,1,opt,name=object_name,json=objectName,proto3"`
	Version      int64  `protobuf:"varint,2,opt,name=version,proto3"`
	Payload      []byte `protobuf:"bytes,3,opt,name=payload,proto3"`
	HasPayload   bool   `protobuf:"varint,4,opt,name=has_payload,json=hasPayload,proto3"`
	EmptyPayload bool   `protobuf:"varint,5,opt,name=empty_payload,json=emptyPayload,proto3"`
	Source       string `protobuf:"bytes,6,opt,name=source,proto3"`
	SourceRef    string `protobuf:"bytes,7,opt,name=source_ref,json=sourceRef,proto3"`
}

func (*Invalidation) Reset()         {}
func (*Invalidation) String() string { return "Invalidation" }
func (*Invalidation) ProtoMessage()  {}

type NotifyRequest struct {
	Invalidation *Invalidation `protobuf:"bytes,1,opt,name=invalidation,proto3"`
}

func (*NotifyRequest) Reset()         {}
func (*NotifyRequest) String() string { return "NotifyRequest" }
func (*NotifyRequest) ProtoMessage()  {}

type NotifyBatchRequest struct {
	Invalidations []*Invalidation `protobuf:"bytes,1,rep,name=invalidations,proto3"`
}

func (*NotifyBatchRequest) Reset()         {}
func (*NotifyBatchRequest) String() string { return "NotifyBatchRequest" }
func (*NotifyBatchRequest) ProtoMessage()  {}

type NotifyResponse struct {
	Accepted    uint32 `protobuf:"varint,1,opt,name=accepted,proto3"`
	PartitionId uint32 `protobuf:"varint,2,opt,name=partition_id,json=partitionId,proto3"`
}

func (*NotifyResponse) Reset()         {}
func (*NotifyResponse) String() string { return "NotifyResponse" }
func (*NotifyResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type RecoverRequest struct {
	ObjectName           string `protobuf:"bytes,1,opt,name=object_name,json=objectName,proto3"`
	CurrentClientVersion int64  `protobuf:"varint,2,opt,name=current_client_version,json=currentClientVersion,proto3"`
	Limit                uint32 `protobuf:"varint,3,opt,name=limit,proto3"`
}

func (*RecoverRequest) Reset()         {}
func (*RecoverRequest) String() string { return "RecoverRequest" }
func (*RecoverRequest) ProtoMessage()  {}

type RecoveredPayload struct {
	Version int64  `protobuf:"varint,1,opt,name=version,proto3"`
	Payload []byte `protobuf:"bytes,2,opt,name=payload,proto3"`
}

func (*RecoveredPayload) Reset()         {}
func (*RecoveredPayload) String() string { return "RecoveredPayload" }
func (*RecoveredPayload) ProtoMessage()  {}

type RecoverResponse struct {
	Payloads             []*RecoveredPayload `protobuf:"bytes,1,rep,name=payloads,proto3"`
	CurrentObjectVersion int64               `protobuf:"varint,2,opt,name=current_object_version,json=currentObjectVersion,proto3"`
}

func (*RecoverResponse) Reset()         {}
func (*RecoverResponse) String() string { return "RecoverResponse" }
func (*RecoverResponse) ProtoMessage()  {}

type ObjectQuery struct {
	ObjectName string `protobuf:"bytes,1,opt,name=object_name,json=objectName,proto3"`
}

func (*ObjectQuery) Reset()         {}
func (*ObjectQuery) String() string { return "ObjectQuery" }
func (*ObjectQuery) ProtoMessage()  {}

type ObjectResponse struct {
	Found          bool   `protobuf:"varint,1,opt,name=found,proto3"`
	PartitionId    uint32 `protobuf:"varint,2,opt,name=partition_id,json=partitionId,proto3"`
	CurrentVersion int64  `protobuf:"varint,3,opt,name=current_version,json=currentVersion,proto3"`
	EntryCount     int64  `protobuf:"varint,4,opt,name=entry_count,json=entryCount,proto3"`
	LastSeenUtcNs  int64  `protobuf:"varint,5,opt,name=last_seen_utc_ns,json=lastSeenUtcNs,proto3"`
}

func (*ObjectResponse) Reset()         {}
func (*ObjectResponse) String() string { return "ObjectResponse" }
func (*ObjectResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationNotify:
		if req.Notify == nil || req.Notify.Invalidation == nil {
			return fmt.Errorf("notify invalidation required")
		}
	case OperationNotifyBatch:
		if req.NotifyBatch == nil || len(req.NotifyBatch.Invalidations) == 0 {
			return fmt.Errorf("notify_batch invalidations required")
		}
	case OperationRecover:
		if req.Recover == nil || req.Recover.ObjectName == "" {
			return fmt.Errorf("recover object_name required")
		}
	case OperationGetObject:
		if req.GetObject == nil || req.GetObject.ObjectName == "" {
			return fmt.Errorf("get_object object_name required")
		}
	}
	return nil
}
