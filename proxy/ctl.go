package proxy

import (
	"github.com/linux-mobile-broadband/qmi-go/qmi"
	"github.com/linux-mobile-broadband/qmi-go/transaction"
)

// The control-service message ids for client-id lifecycle management,
// matching libqmi's real QMI_CTL wire values (the same ones spec §8's
// worked example message id, 0x0022, names).
const (
	ctlMsgAllocateCID uint16 = 0x0022
	ctlMsgReleaseCID  uint16 = 0x0023
)

const (
	tlvAllocateCIDRequestService  uint8 = 0x01
	tlvAllocateCIDResponseService uint8 = 0x01 // {service:u8, client_id:u8}
	tlvReleaseCIDRequestService   uint8 = 0x01 // {service:u8, client_id:u8}
)

// MalformedMessageProtocolCode is returned to a downstream client
// whose request could not even be parsed, per spec §4.7's failure
// semantics: the connection stays up, only that request fails.
const MalformedMessageProtocolCode uint16 = 0x0005

func buildAllocateCIDRequest(mx *transaction.Mux, service qmi.ServiceID) (*qmi.Message, error) {
	m, err := mx.NewRequest(qmi.ServiceControl, 0, ctlMsgAllocateCID)
	if err != nil {
		return nil, err
	}
	off := m.TLVWriteInit(tlvAllocateCIDRequestService)
	m.Append(uint8(service))
	if err := m.TLVWriteComplete(off); err != nil {
		return nil, err
	}
	return m, nil
}

func parseAllocateCIDResponse(resp *qmi.Message) (qmi.ServiceID, qmi.ClientID, error) {
	if err := resp.ResultError(); err != nil {
		return 0, 0, err
	}
	v, err := resp.TLVValue(tlvAllocateCIDResponseService)
	if err != nil {
		return 0, 0, err
	}
	if len(v) != 2 {
		return 0, 0, &qmi.Error{Kind: qmi.KindInvalidData, Op: "allocate_cid", Msg: "unexpected response TLV length"}
	}
	return qmi.ServiceID(v[0]), qmi.ClientID(v[1]), nil
}

func buildReleaseCIDRequest(mx *transaction.Mux, service qmi.ServiceID, client qmi.ClientID) (*qmi.Message, error) {
	m, err := mx.NewRequest(qmi.ServiceControl, 0, ctlMsgReleaseCID)
	if err != nil {
		return nil, err
	}
	off := m.TLVWriteInit(tlvReleaseCIDRequestService)
	m.Append(uint8(service))
	m.Append(uint8(client))
	if err := m.TLVWriteComplete(off); err != nil {
		return nil, err
	}
	return m, nil
}

// parseReleaseCIDRequest reads the {service, client_id} pair out of a
// release-client-id request, used by the proxy to track a client's own
// explicit release alongside the ones it issues internally.
func parseReleaseCIDRequest(req *qmi.Message) (qmi.ServiceID, qmi.ClientID, error) {
	v, err := req.TLVValue(tlvReleaseCIDRequestService)
	if err != nil {
		return 0, 0, err
	}
	if len(v) != 2 {
		return 0, 0, &qmi.Error{Kind: qmi.KindInvalidData, Op: "release_cid", Msg: "unexpected request TLV length"}
	}
	return qmi.ServiceID(v[0]), qmi.ClientID(v[1]), nil
}
