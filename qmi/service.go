package qmi

// ServiceID names a QMI service, the byte carried in the qmux header
// that routes a message to the right parser/handler on both ends of
// the link.
type ServiceID uint8

const (
	ServiceControl          ServiceID = 0x00
	ServiceWDS              ServiceID = 0x01 // Wireless Data Service
	ServiceDMS              ServiceID = 0x02 // Device Management Service
	ServiceNAS              ServiceID = 0x03 // Network Access Service
	ServiceQOS              ServiceID = 0x04
	ServiceWMS              ServiceID = 0x05 // Wireless Messaging Service
	ServicePDS              ServiceID = 0x06 // Position Determination Service
	ServiceAUTH             ServiceID = 0x07
	ServiceAT               ServiceID = 0x08
	ServiceVoice            ServiceID = 0x09
	ServiceCAT2             ServiceID = 0x0A
	ServiceUIM              ServiceID = 0x0B // SIM card access
	ServicePBM              ServiceID = 0x0C
	ServiceLOC              ServiceID = 0x10
	ServiceSAR              ServiceID = 0x11
	ServiceIMS              ServiceID = 0x12
	ServiceADC              ServiceID = 0x13
	ServiceCSD              ServiceID = 0x14
	ServiceMFS              ServiceID = 0x15
	ServiceTS               ServiceID = 0x16
	ServiceTMD              ServiceID = 0x17
	ServiceWDA              ServiceID = 0x1A // Wireless Data Administrative Service
	ServiceCSVT             ServiceID = 0x1B
	ServiceCOEX             ServiceID = 0x1C
	ServicePBS              ServiceID = 0x1E
	ServiceDSD              ServiceID = 0x23 // Data System Determination
	ServiceSSC              ServiceID = 0x24
	ServiceFOTA             ServiceID = 0xE6
	ServiceRmtfs            ServiceID = 0xE7
	ServiceGeneric          ServiceID = 0xFF // fallback, only used by the pretty-printer
)

func (s ServiceID) String() string {
	switch s {
	case ServiceControl:
		return "ctl"
	case ServiceWDS:
		return "wds"
	case ServiceDMS:
		return "dms"
	case ServiceNAS:
		return "nas"
	case ServiceQOS:
		return "qos"
	case ServiceWMS:
		return "wms"
	case ServicePDS:
		return "pds"
	case ServiceAUTH:
		return "auth"
	case ServiceAT:
		return "at"
	case ServiceVoice:
		return "voice"
	case ServiceCAT2:
		return "cat"
	case ServiceUIM:
		return "uim"
	case ServicePBM:
		return "pbm"
	case ServiceLOC:
		return "loc"
	case ServiceSAR:
		return "sar"
	case ServiceIMS:
		return "ims"
	case ServiceADC:
		return "adc"
	case ServiceCSD:
		return "csd"
	case ServiceMFS:
		return "mfs"
	case ServiceTS:
		return "ts"
	case ServiceTMD:
		return "tmd"
	case ServiceWDA:
		return "wda"
	case ServiceCSVT:
		return "csvt"
	case ServiceCOEX:
		return "coex"
	case ServicePBS:
		return "pbs"
	case ServiceDSD:
		return "dsd"
	case ServiceSSC:
		return "ssc"
	case ServiceFOTA:
		return "fota"
	case ServiceRmtfs:
		return "rmtfs"
	default:
		return "unknown"
	}
}

// ClientID is the per-connection handle a service hands out in
// response to a CTL "allocate client id" request; 0 is reserved for
// the control service itself, which has no client registration step.
type ClientID uint8

// MessageType distinguishes the three shapes a QMI message can take,
// carried in the header flags byte: bit 0 marks a response, bit 1 an
// indication, and a byte with neither bit set is a request.
type MessageType int

const (
	MessageRequest MessageType = iota
	MessageResponse
	MessageIndication
)

func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	case MessageIndication:
		return "indication"
	default:
		return "unknown"
	}
}

const (
	flagBitResponse   = 1 << 0
	flagBitIndication = 1 << 1
)

// qmuxFlagFromModem is qmux.flags bit7: set on every message the modem
// sends (responses and indications), clear on requests, per spec §3.
const qmuxFlagFromModem uint8 = 0x80

// qmuxDirectionFlags returns the qmux.flags byte for a freshly built
// message of type t: 0 for a request (sender is host), 0x80 for a
// response or indication (sender is modem).
func qmuxDirectionFlags(t MessageType) uint8 {
	if t == MessageRequest {
		return 0
	}
	return qmuxFlagFromModem
}

// headerFlags packs a MessageType into the single flags byte shared
// by both header layouts.
func headerFlags(service ServiceID, t MessageType) uint8 {
	if service == ServiceControl {
		switch t {
		case MessageResponse:
			return flagBitResponse
		case MessageIndication:
			return flagBitIndication
		default:
			return 0
		}
	}
	switch t {
	case MessageResponse:
		return flagBitResponse
	case MessageIndication:
		return flagBitIndication
	default:
		return 0
	}
}

func messageTypeFromFlags(flags uint8) MessageType {
	switch {
	case flags&flagBitIndication != 0:
		return MessageIndication
	case flags&flagBitResponse != 0:
		return MessageResponse
	default:
		return MessageRequest
	}
}

// headerSize returns the byte width of the control/service header
// that follows the qmux prefix, per spec §3/§4.2: the control service
// carries an 8-bit transaction id, every other service a 16-bit one.
// See DESIGN.md's "Open Question decisions" #3 for why this
// disagrees with the worked byte counts in spec §8.
func headerSize(service ServiceID) int {
	if service == ServiceControl {
		return controlHeaderSize
	}
	return serviceHeaderSize
}

func txIDWidth(service ServiceID) int {
	if service == ServiceControl {
		return 1
	}
	return 2
}

const (
	controlHeaderSize = 6 // flags(1) + tx(1) + message(2) + tlv_length(2)
	serviceHeaderSize = 7 // flags(1) + tx(2) + message(2) + tlv_length(2)

	qmuxMarker   = 0x01
	qmuxRestSize = 5 // len(2) + flags(1) + service(1) + client(1)

	maxTLVValueLen = 0xFFFF
)

// AbortSpec names the device-side request that actually stops an
// in-flight (service, msgID) message, per spec §4.2's "bit-exact per
// the service's documented abort protocol". The handful of real QMI
// operations that support server-side cancellation (chiefly WDS
// network-connect requests) each use their own dedicated abort
// message id; that per-service knowledge lives in the generated
// request/response wrappers this module treats as an external
// collaborator (spec §1's Non-goals), so AbortableMessages ships
// empty and is populated by whatever layer knows those ids.
type AbortSpec struct {
	// MessageID is the message id of the dedicated abort/cancel
	// request. The abort request is sent on the same service and
	// client as the message being aborted, with a single mandatory
	// TLV (type AbortTransactionTLV, u16 LE) carrying the transaction
	// id of the request being cancelled.
	MessageID uint16
}

// AbortTransactionTLV is the mandatory TLV type an abort request
// carries: the u16 LE transaction id of the request being cancelled.
const AbortTransactionTLV uint8 = 0x01

// AbortableMessages is the per-service table backing IsAbortable and
// LookupAbortSpec; every other message defaults to non-abortable,
// matching libqmi's conservative default.
var AbortableMessages = map[ServiceID]map[uint16]AbortSpec{}

// IsAbortable reports whether an in-flight request for (service, msgID)
// may be cancelled locally by sending a device-side abort request. The
// default is false: callers must wait out the transaction's timeout
// rather than assume the device stopped acting on it.
func IsAbortable(service ServiceID, msgID uint16) bool {
	_, ok := AbortableMessages[service][msgID]
	return ok
}

// LookupAbortSpec returns the registered AbortSpec for (service,
// msgID), if any.
func LookupAbortSpec(service ServiceID, msgID uint16) (AbortSpec, bool) {
	spec, ok := AbortableMessages[service][msgID]
	return spec, ok
}
