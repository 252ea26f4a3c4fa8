package securechannel

import (
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/hedda/mattercontrol/pkg/casesession"
	"github.com/hedda/mattercontrol/pkg/crypto"
	"github.com/hedda/mattercontrol/pkg/crypto/spake2p"
	"github.com/hedda/mattercontrol/pkg/fabric"
	"github.com/hedda/mattercontrol/pkg/pase"
	"github.com/hedda/mattercontrol/pkg/session"
)

func TestMessagePermitted(t *testing.T) {
	tests := []struct {
		opcode   Opcode
		expected bool
	}{
		// PASE opcodes - permitted
		{OpcodePBKDFParamRequest, true},
		{OpcodePBKDFParamResponse, true},
		{OpcodePASEPake1, true},
		{OpcodePASEPake2, true},
		{OpcodePASEPake3, true},
		// CASE opcodes - permitted
		{OpcodeCASESigma1, true},
		{OpcodeCASESigma2, true},
		{OpcodeCASESigma3, true},
		{OpcodeCASESigma2Resume, true},
		// Other permitted
		{OpcodeStandaloneAck, true},
		{OpcodeStatusReport, true},
		// Not permitted during session establishment
		{OpcodeMsgCounterSyncReq, false},
		{OpcodeMsgCounterSyncResp, false},
		{OpcodeICDCheckIn, false},
		{Opcode(0xFF), false},
	}

	for _, tc := range tests {
		t.Run(tc.opcode.String(), func(t *testing.T) {
			if got := MessagePermitted(tc.opcode); got != tc.expected {
				t.Errorf("MessagePermitted(%s) = %v, want %v", tc.opcode, got, tc.expected)
			}
		})
	}
}

func TestIsPASEOpcode(t *testing.T) {
	tests := []struct {
		opcode   Opcode
		expected bool
	}{
		{OpcodePBKDFParamRequest, true},
		{OpcodePBKDFParamResponse, true},
		{OpcodePASEPake1, true},
		{OpcodePASEPake2, true},
		{OpcodePASEPake3, true},
		{OpcodeCASESigma1, false},
		{OpcodeStatusReport, false},
	}

	for _, tc := range tests {
		t.Run(tc.opcode.String(), func(t *testing.T) {
			if got := IsPASEOpcode(tc.opcode); got != tc.expected {
				t.Errorf("IsPASEOpcode(%s) = %v, want %v", tc.opcode, got, tc.expected)
			}
		})
	}
}

func TestIsCASEOpcode(t *testing.T) {
	tests := []struct {
		opcode   Opcode
		expected bool
	}{
		{OpcodeCASESigma1, true},
		{OpcodeCASESigma2, true},
		{OpcodeCASESigma3, true},
		{OpcodeCASESigma2Resume, true},
		{OpcodePBKDFParamRequest, false},
		{OpcodeStatusReport, false},
	}

	for _, tc := range tests {
		t.Run(tc.opcode.String(), func(t *testing.T) {
			if got := IsCASEOpcode(tc.opcode); got != tc.expected {
				t.Errorf("IsCASEOpcode(%s) = %v, want %v", tc.opcode, got, tc.expected)
			}
		})
	}
}

func TestManager_Route_NilMessage(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Route(1, nil); err != ErrInvalidOpcode {
		t.Fatalf("Route(nil) error = %v, want ErrInvalidOpcode", err)
	}
}

func TestManager_Route_NotPermitted(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Route(1, NewMessage(OpcodeMsgCounterSyncReq, []byte{0x01}))
	if err != ErrInvalidOpcode {
		t.Fatalf("Route() error = %v, want ErrInvalidOpcode", err)
	}
}

// newTestManager builds a Manager with no fabrics configured, suitable for
// tests that only exercise PASE or routing rejection paths.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(ManagerConfig{
		SessionManager: session.NewManager(session.ManagerConfig{}),
	})
}

// --- PASE ---

// testSpake2p01* are the official Matter SDK SPAKE2+ test vectors for
// parameter set #01 (also used by pkg/pase's own tests), reused here to
// drive a simulated commissionee against the Manager's PASE initiator.
var (
	testSpake2p01PinCode        = uint32(20202021)
	testSpake2p01IterationCount = uint32(1000)
	testSpake2p01Salt           = []byte{
		0x53, 0x50, 0x41, 0x4B, 0x45, 0x32, 0x50, 0x20,
		0x4B, 0x65, 0x79, 0x20, 0x53, 0x61, 0x6C, 0x74,
	}
	testSpake2p01W0 = []byte{
		0xB9, 0x61, 0x70, 0xAA, 0xE8, 0x03, 0x34, 0x68, 0x84, 0x72, 0x4F, 0xE9, 0xA3, 0xB2, 0x87, 0xC3,
		0x03, 0x30, 0xC2, 0xA6, 0x60, 0x37, 0x5D, 0x17, 0xBB, 0x20, 0x5A, 0x8C, 0xF1, 0xAE, 0xCB, 0x35,
	}
	testSpake2p01L = []byte{
		0x04, 0x57, 0xF8, 0xAB, 0x79, 0xEE, 0x25, 0x3A, 0xB6, 0xA8, 0xE4, 0x6B, 0xB0, 0x9E, 0x54, 0x3A,
		0xE4, 0x22, 0x73, 0x6D, 0xE5, 0x01, 0xE3, 0xDB, 0x37, 0xD4, 0x41, 0xFE, 0x34, 0x49, 0x20, 0xD0,
		0x95, 0x48, 0xE4, 0xC1, 0x82, 0x40, 0x63, 0x0C, 0x4F, 0xF4, 0x91, 0x3C, 0x53, 0x51, 0x38, 0x39,
		0xB7, 0xC0, 0x7F, 0xCC, 0x06, 0x27, 0xA1, 0xB8, 0x57, 0x3A, 0x14, 0x9F, 0xCD, 0x1F, 0xA4, 0x66,
		0xCF,
	}
)

func testPASEContext(pbkdfReq, pbkdfResp []byte) []byte {
	h := sha256.New()
	h.Write([]byte(pase.ContextPrefix))
	h.Write(pbkdfReq)
	h.Write(pbkdfResp)
	return h.Sum(nil)
}

// TestManager_PASEFullHandshake drives the Manager's PASE-initiator side
// (StartPASE -> Route(PBKDFParamResponse) -> Route(Pake2) ->
// Route(StatusReport)) against a simulated commissionee, exactly like
// pkg/pase's own initiator tests simulate the commissionee side.
func TestManager_PASEFullHandshake(t *testing.T) {
	m := newTestManager(t)
	const exchangeID = 7

	var established *session.SecureContext
	m.config.Callbacks.OnSessionEstablished = func(ctx *session.SecureContext) {
		established = ctx
	}

	pbkdfReqBytes, err := m.StartPASE(exchangeID, testSpake2p01PinCode)
	if err != nil {
		t.Fatalf("StartPASE: %v", err)
	}

	pbkdfReq, err := pase.DecodePBKDFParamRequest(pbkdfReqBytes)
	if err != nil {
		t.Fatalf("DecodePBKDFParamRequest: %v", err)
	}

	pbkdfResp := &pase.PBKDFParamResponse{
		InitiatorRandom:    pbkdfReq.InitiatorRandom,
		ResponderRandom:    randomBytes16(t),
		ResponderSessionID: 99,
		PBKDFParams: &pase.PBKDFParameters{
			Iterations: testSpake2p01IterationCount,
			Salt:       testSpake2p01Salt,
		},
	}
	pbkdfRespBytes, err := pbkdfResp.Encode()
	if err != nil {
		t.Fatalf("encode PBKDFParamResponse: %v", err)
	}

	reply, err := m.Route(exchangeID, NewMessage(OpcodePBKDFParamResponse, pbkdfRespBytes))
	if err != nil {
		t.Fatalf("Route(PBKDFParamResponse): %v", err)
	}
	if reply == nil || reply.Opcode != OpcodePASEPake1 {
		t.Fatalf("Route(PBKDFParamResponse) reply = %v, want Pake1", reply)
	}

	peer, err := spake2p.NewVerifier(testPASEContext(pbkdfReqBytes, pbkdfRespBytes), nil, nil, testSpake2p01W0, testSpake2p01L)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	pake1, err := pase.DecodePake1(reply.Payload)
	if err != nil {
		t.Fatalf("DecodePake1: %v", err)
	}
	pB, err := peer.GenerateShare()
	if err != nil {
		t.Fatalf("peer GenerateShare: %v", err)
	}
	if err := peer.ProcessPeerShare(pake1.PA); err != nil {
		t.Fatalf("peer ProcessPeerShare: %v", err)
	}
	cB, err := peer.Confirmation()
	if err != nil {
		t.Fatalf("peer Confirmation: %v", err)
	}
	pake2Bytes, err := (&pase.Pake2{PB: pB, CB: cB}).Encode()
	if err != nil {
		t.Fatalf("encode Pake2: %v", err)
	}

	reply, err = m.Route(exchangeID, NewMessage(OpcodePASEPake2, pake2Bytes))
	if err != nil {
		t.Fatalf("Route(Pake2): %v", err)
	}
	if reply == nil || reply.Opcode != OpcodePASEPake3 {
		t.Fatalf("Route(Pake2) reply = %v, want Pake3", reply)
	}

	reply, err = m.Route(exchangeID, NewMessage(OpcodeStatusReport, Success().Encode()))
	if err != nil {
		t.Fatalf("Route(StatusReport): %v", err)
	}
	if reply != nil {
		t.Fatalf("Route(StatusReport) reply = %v, want nil", reply)
	}

	if established == nil {
		t.Fatal("OnSessionEstablished was not called")
	}
	if established.SessionType() != session.SessionTypePASE {
		t.Errorf("SessionType() = %v, want SessionTypePASE", established.SessionType())
	}
	if established.Role() != session.SessionRoleInitiator {
		t.Errorf("Role() = %v, want SessionRoleInitiator", established.Role())
	}
	if m.HasActiveHandshake(exchangeID) {
		t.Error("handshake should be cleaned up after completion")
	}
}

// TestManager_PASE_ResponderOnlyOpcodesRejected checks that opcodes only a
// PASE responder would ever receive are rejected, since this Manager is
// always the PASE initiator.
func TestManager_PASE_ResponderOnlyOpcodesRejected(t *testing.T) {
	m := newTestManager(t)
	for _, opcode := range []Opcode{OpcodePBKDFParamRequest, OpcodePASEPake1, OpcodePASEPake3} {
		t.Run(opcode.String(), func(t *testing.T) {
			if _, err := m.Route(1, NewMessage(opcode, []byte{0x01})); err != ErrNoHandler {
				t.Fatalf("Route(%s) error = %v, want ErrNoHandler", opcode, err)
			}
		})
	}
}

func TestManager_StartPASE_DuplicateHandshake(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.StartPASE(5, testSpake2p01PinCode); err != nil {
		t.Fatalf("StartPASE: %v", err)
	}
	if _, err := m.StartPASE(5, testSpake2p01PinCode); err != ErrHandshakeInProgress {
		t.Fatalf("second StartPASE error = %v, want ErrHandshakeInProgress", err)
	}
}

// --- CASE ---

// TestManager_CASE_InitiatorOnlyOpcodesRejected checks that opcodes only a
// CASE initiator would ever receive are rejected, since this Manager is
// always the CASE responder.
func TestManager_CASE_InitiatorOnlyOpcodesRejected(t *testing.T) {
	m := newTestManager(t)
	for _, opcode := range []Opcode{OpcodeCASESigma2, OpcodeCASESigma2Resume} {
		t.Run(opcode.String(), func(t *testing.T) {
			if _, err := m.Route(1, NewMessage(opcode, []byte{0x01})); err != ErrNoHandler {
				t.Fatalf("Route(%s) error = %v, want ErrNoHandler", opcode, err)
			}
		})
	}
}

// caseFixture wires a fabric table, operational key store and resumption
// store for a single fabric, and a peer initiator that targets it - enough
// to drive the Manager's CASE responder side end to end.
type caseFixture struct {
	manager         *Manager
	fabricInfo      *fabric.FabricInfo
	resumptionStore *fabric.ResumptionStore
	peer            *casePeerInitiator
}

func newCaseFixture(t *testing.T) *caseFixture {
	t.Helper()

	fabricInfo, operationalKey := newTestFabricInfo(t, 1, 0xAAAABBBBCCCCDDDD, 0x1111222233334444)

	table := fabric.NewTable(fabric.DefaultTableConfig())
	if err := table.Add(fabricInfo); err != nil {
		t.Fatalf("FabricTable.Add: %v", err)
	}

	resumptionStore := fabric.NewResumptionStore()

	manager := NewManager(ManagerConfig{
		SessionManager:  session.NewManager(session.ManagerConfig{}),
		FabricTable:     table,
		ResumptionStore: resumptionStore,
		OperationalKeyStore: func(index fabric.FabricIndex) (*crypto.P256KeyPair, error) {
			if index != fabricInfo.FabricIndex {
				return nil, fabric.ErrFabricNotFound
			}
			return operationalKey, nil
		},
		CertValidator: func(nocBytes, icacBytes []byte, trustedRootPubKey [65]byte) (*casesession.PeerCertInfo, error) {
			return &casesession.PeerCertInfo{
				NodeID:    uint64(fabricInfo.NodeID),
				FabricID:  uint64(fabricInfo.FabricID),
				PublicKey: trustedRootPubKey,
			}, nil
		},
	})

	return &caseFixture{
		manager:         manager,
		fabricInfo:      fabricInfo,
		resumptionStore: resumptionStore,
		peer:            newCasePeerInitiator(t, fabricInfo, operationalKey),
	}
}

func newTestFabricInfo(t *testing.T, index uint8, fabricID, nodeID uint64) (*fabric.FabricInfo, *crypto.P256KeyPair) {
	t.Helper()

	operationalKey, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("P256GenerateKeyPair (operational): %v", err)
	}
	rootKey, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("P256GenerateKeyPair (root): %v", err)
	}

	var rootPubKey [65]byte
	copy(rootPubKey[:], rootKey.P256PublicKey())

	cfid, err := fabric.CompressedFabricIDFromCert(rootPubKey, fabric.FabricID(fabricID))
	if err != nil {
		t.Fatalf("CompressedFabricIDFromCert: %v", err)
	}

	var ipk [16]byte
	for i := range ipk {
		ipk[i] = byte(i + int(index))
	}

	info := &fabric.FabricInfo{
		FabricIndex:        fabric.FabricIndex(index),
		FabricID:           fabric.FabricID(fabricID),
		NodeID:             fabric.NodeID(nodeID),
		VendorID:           fabric.VendorIDTestVendor1,
		RootPublicKey:      rootPubKey,
		CompressedFabricID: cfid,
		IPK:                ipk,
		NOC:                operationalKey.P256PublicKey(),
	}
	return info, operationalKey
}

// casePeerInitiator drives the CASE initiator side of the handshake
// against the Manager's CASE responder, the same way pkg/casesession's own
// tests simulate an initiator against its responder.
type casePeerInitiator struct {
	fabricInfo     *fabric.FabricInfo
	operationalKey *crypto.P256KeyPair
	ephKeyPair     *crypto.P256KeyPair
	random         [casesession.RandomSize]byte
	ipk            [crypto.SymmetricKeySize]byte

	peerEphPubKey [crypto.P256PublicKeySizeBytes]byte
	sharedSecret  []byte
	msg1Bytes     []byte
	msg2Bytes     []byte
}

func newCasePeerInitiator(t *testing.T, fabricInfo *fabric.FabricInfo, operationalKey *crypto.P256KeyPair) *casePeerInitiator {
	t.Helper()

	ephKeyPair, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("P256GenerateKeyPair (ephemeral): %v", err)
	}

	var random [casesession.RandomSize]byte
	copy(random[:], randomBytesN(t, casesession.RandomSize))

	ipkSlice, err := crypto.DeriveGroupOperationalKeyV1(fabricInfo.IPK[:], fabricInfo.CompressedFabricID[:])
	if err != nil {
		t.Fatalf("DeriveGroupOperationalKeyV1: %v", err)
	}
	var ipk [crypto.SymmetricKeySize]byte
	copy(ipk[:], ipkSlice)

	return &casePeerInitiator{
		fabricInfo:     fabricInfo,
		operationalKey: operationalKey,
		ephKeyPair:     ephKeyPair,
		random:         random,
		ipk:            ipk,
	}
}

func (p *casePeerInitiator) buildSigma1(t *testing.T, localSessionID uint16) []byte {
	t.Helper()

	destID := casesession.GenerateDestinationID(p.random, p.fabricInfo.RootPublicKey, uint64(p.fabricInfo.FabricID), uint64(p.fabricInfo.NodeID), p.ipk)

	var ephPub [crypto.P256PublicKeySizeBytes]byte
	copy(ephPub[:], p.ephKeyPair.P256PublicKey())

	sigma1 := &casesession.Sigma1{
		InitiatorRandom:    p.random,
		InitiatorSessionID: localSessionID,
		DestinationID:      destID,
		InitiatorEphPubKey: ephPub,
	}
	data, err := sigma1.Encode()
	if err != nil {
		t.Fatalf("encode Sigma1: %v", err)
	}
	p.msg1Bytes = data
	return data
}

func (p *casePeerInitiator) buildResumeSigma1(t *testing.T, localSessionID uint16, resumptionID [casesession.ResumptionIDSize]byte, priorSharedSecret []byte) []byte {
	t.Helper()

	destID := casesession.GenerateDestinationID(p.random, p.fabricInfo.RootPublicKey, uint64(p.fabricInfo.FabricID), uint64(p.fabricInfo.NodeID), p.ipk)

	var ephPub [crypto.P256PublicKeySizeBytes]byte
	copy(ephPub[:], p.ephKeyPair.P256PublicKey())

	s1rk, err := casesession.DeriveS1RK(priorSharedSecret, p.random, resumptionID)
	if err != nil {
		t.Fatalf("DeriveS1RK: %v", err)
	}
	mic, err := casesession.ComputeResumeMIC(s1rk, casesession.Resume1Nonce)
	if err != nil {
		t.Fatalf("ComputeResumeMIC: %v", err)
	}

	sigma1 := &casesession.Sigma1{
		InitiatorRandom:    p.random,
		InitiatorSessionID: localSessionID,
		DestinationID:      destID,
		InitiatorEphPubKey: ephPub,
		ResumptionID:       &resumptionID,
		InitiatorResumeMIC: &mic,
	}
	data, err := sigma1.Encode()
	if err != nil {
		t.Fatalf("encode Sigma1 (resume): %v", err)
	}
	p.msg1Bytes = data
	return data
}

func (p *casePeerInitiator) processSigma2(t *testing.T, data []byte) *casesession.TBEData2 {
	t.Helper()

	sigma2, err := casesession.DecodeSigma2(data)
	if err != nil {
		t.Fatalf("DecodeSigma2: %v", err)
	}
	p.msg2Bytes = data
	copy(p.peerEphPubKey[:], sigma2.ResponderEphPubKey[:])

	sharedSecret, err := crypto.P256ECDH(p.ephKeyPair, sigma2.ResponderEphPubKey[:])
	if err != nil {
		t.Fatalf("P256ECDH: %v", err)
	}
	p.sharedSecret = sharedSecret

	s2k, err := casesession.DeriveS2K(sharedSecret, p.ipk, sigma2.ResponderRandom, sigma2.ResponderEphPubKey, p.msg1Bytes)
	if err != nil {
		t.Fatalf("DeriveS2K: %v", err)
	}

	tbeData2Bytes, err := casesession.DecryptTBEData(s2k, sigma2.Encrypted2, casesession.Sigma2Nonce, nil)
	if err != nil {
		t.Fatalf("decrypt TBEData2: %v", err)
	}
	tbeData2, err := casesession.DecodeTBEData2(tbeData2Bytes)
	if err != nil {
		t.Fatalf("DecodeTBEData2: %v", err)
	}
	return tbeData2
}

func (p *casePeerInitiator) buildSigma3(t *testing.T) []byte {
	t.Helper()

	var ephPub [crypto.P256PublicKeySizeBytes]byte
	copy(ephPub[:], p.ephKeyPair.P256PublicKey())

	tbsData3 := &casesession.TBSData3{
		InitiatorNOC:       p.fabricInfo.NOC,
		InitiatorICAC:      p.fabricInfo.ICAC,
		InitiatorEphPubKey: ephPub,
		ResponderEphPubKey: p.peerEphPubKey,
	}
	tbsData3Bytes, err := tbsData3.Encode()
	if err != nil {
		t.Fatalf("encode TBSData3: %v", err)
	}

	signature, err := crypto.P256Sign(p.operationalKey, tbsData3Bytes)
	if err != nil {
		t.Fatalf("P256Sign: %v", err)
	}

	tbeData3 := &casesession.TBEData3{
		InitiatorNOC:  p.fabricInfo.NOC,
		InitiatorICAC: p.fabricInfo.ICAC,
	}
	copy(tbeData3.Signature[:], signature)
	tbeData3Bytes, err := tbeData3.Encode()
	if err != nil {
		t.Fatalf("encode TBEData3: %v", err)
	}

	s3k, err := casesession.DeriveS3K(p.sharedSecret, p.ipk, p.msg1Bytes, p.msg2Bytes)
	if err != nil {
		t.Fatalf("DeriveS3K: %v", err)
	}

	encrypted3, err := casesession.EncryptTBEData(s3k, tbeData3Bytes, casesession.Sigma3Nonce, nil)
	if err != nil {
		t.Fatalf("encrypt TBEData3: %v", err)
	}

	data, err := (&casesession.Sigma3{Encrypted3: encrypted3}).Encode()
	if err != nil {
		t.Fatalf("encode Sigma3: %v", err)
	}
	return data
}

// TestManager_CASEFullHandshake drives a full Sigma1/Sigma2/Sigma3 exchange
// through the Manager's CASE responder side and confirms the resulting
// secure context and a resumption record are both produced.
func TestManager_CASEFullHandshake(t *testing.T) {
	f := newCaseFixture(t)
	const exchangeID = 42

	var established *session.SecureContext
	f.manager.config.Callbacks.OnSessionEstablished = func(ctx *session.SecureContext) {
		established = ctx
	}

	sigma1 := f.peer.buildSigma1(t, 100)
	reply, err := f.manager.Route(exchangeID, NewMessage(OpcodeCASESigma1, sigma1))
	if err != nil {
		t.Fatalf("Route(Sigma1): %v", err)
	}
	if reply == nil || reply.Opcode != OpcodeCASESigma2 {
		t.Fatalf("Route(Sigma1) reply = %v, want Sigma2", reply)
	}

	f.peer.processSigma2(t, reply.Payload)
	sigma3 := f.peer.buildSigma3(t)

	reply, err = f.manager.Route(exchangeID, NewMessage(OpcodeCASESigma3, sigma3))
	if err != nil {
		t.Fatalf("Route(Sigma3): %v", err)
	}
	if reply == nil || reply.Opcode != OpcodeStatusReport {
		t.Fatalf("Route(Sigma3) reply = %v, want StatusReport", reply)
	}

	if established == nil {
		t.Fatal("OnSessionEstablished was not called")
	}
	if established.SessionType() != session.SessionTypeCASE {
		t.Errorf("SessionType() = %v, want SessionTypeCASE", established.SessionType())
	}
	if established.Role() != session.SessionRoleResponder {
		t.Errorf("Role() = %v, want SessionRoleResponder", established.Role())
	}
	if f.manager.HasActiveHandshake(exchangeID) {
		t.Error("handshake should be cleaned up after completion")
	}
	if f.resumptionStore.Count() != 1 {
		t.Errorf("resumption store has %d records, want 1", f.resumptionStore.Count())
	}
}

// TestManager_CASEResumption completes a full handshake, then resumes it on
// a new exchange and confirms the resumption record rotates rather than
// accumulating.
func TestManager_CASEResumption(t *testing.T) {
	f := newCaseFixture(t)

	var firstEstablished *session.SecureContext
	f.manager.config.Callbacks.OnSessionEstablished = func(ctx *session.SecureContext) {
		firstEstablished = ctx
	}

	sigma1 := f.peer.buildSigma1(t, 100)
	reply, err := f.manager.Route(1, NewMessage(OpcodeCASESigma1, sigma1))
	if err != nil {
		t.Fatalf("Route(Sigma1): %v", err)
	}
	f.peer.processSigma2(t, reply.Payload)
	sigma3 := f.peer.buildSigma3(t)
	if _, err := f.manager.Route(1, NewMessage(OpcodeCASESigma3, sigma3)); err != nil {
		t.Fatalf("Route(Sigma3): %v", err)
	}
	if firstEstablished == nil {
		t.Fatal("OnSessionEstablished was not called for full handshake")
	}

	if f.resumptionStore.Count() != 1 {
		t.Fatalf("resumption store has %d records after full handshake, want 1", f.resumptionStore.Count())
	}

	firstResumptionID := firstEstablished.ResumptionID()
	rec, ok := f.resumptionStore.Find(firstResumptionID)
	if !ok {
		t.Fatal("resumption record not found")
	}

	resumePeer := newCasePeerInitiator(t, f.fabricInfo, f.peer.operationalKey)
	resumeSigma1 := resumePeer.buildResumeSigma1(t, 200, rec.ResumptionID, rec.SharedSecret)

	reply, err = f.manager.Route(2, NewMessage(OpcodeCASESigma1, resumeSigma1))
	if err != nil {
		t.Fatalf("Route(resume Sigma1): %v", err)
	}
	if reply == nil || reply.Opcode != OpcodeCASESigma2Resume {
		t.Fatalf("Route(resume Sigma1) reply = %v, want Sigma2Resume", reply)
	}

	var resumeEstablished *session.SecureContext
	f.manager.config.Callbacks.OnSessionEstablished = func(ctx *session.SecureContext) {
		resumeEstablished = ctx
	}
	if _, err := f.manager.Route(2, NewMessage(OpcodeStatusReport, Success().Encode())); err != nil {
		t.Fatalf("Route(StatusReport): %v", err)
	}
	if resumeEstablished == nil {
		t.Fatal("OnSessionEstablished was not called for resumed session")
	}

	if f.resumptionStore.Count() != 1 {
		t.Errorf("resumption store has %d records after resume, want 1 (rotated)", f.resumptionStore.Count())
	}
	if _, ok := f.resumptionStore.Find(firstResumptionID); ok {
		t.Error("old resumption id still resolves a record after rotation")
	}
}

func TestManager_Busy(t *testing.T) {
	f := newCaseFixture(t)
	const exchangeID = 9

	sigma1 := f.peer.buildSigma1(t, 100)
	if _, err := f.manager.Route(exchangeID, NewMessage(OpcodeCASESigma1, sigma1)); err != nil {
		t.Fatalf("Route(Sigma1): %v", err)
	}

	secondPeer := newCasePeerInitiator(t, f.fabricInfo, f.peer.operationalKey)
	sigma1Again := secondPeer.buildSigma1(t, 101)
	reply, err := f.manager.Route(exchangeID, NewMessage(OpcodeCASESigma1, sigma1Again))
	if err != nil {
		t.Fatalf("Route(second Sigma1): %v", err)
	}
	if reply == nil || reply.Opcode != OpcodeStatusReport {
		t.Fatalf("Route(second Sigma1) reply = %v, want StatusReport (Busy)", reply)
	}
	status, err := DecodeStatusReport(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeStatusReport: %v", err)
	}
	if !status.IsBusy() {
		t.Error("expected Busy status report for second Sigma1 on same exchange")
	}
}

func TestManager_HandshakeLifecycle(t *testing.T) {
	m := newTestManager(t)
	const exchangeID = 3

	if m.HasActiveHandshake(exchangeID) {
		t.Fatal("no handshake should be active yet")
	}
	if _, err := m.StartPASE(exchangeID, testSpake2p01PinCode); err != nil {
		t.Fatalf("StartPASE: %v", err)
	}
	if !m.HasActiveHandshake(exchangeID) {
		t.Fatal("handshake should be active after StartPASE")
	}
	if ht, ok := m.GetHandshakeType(exchangeID); !ok || ht != HandshakeTypePASE {
		t.Fatalf("GetHandshakeType() = (%v, %v), want (HandshakeTypePASE, true)", ht, ok)
	}
	if got := m.ActiveHandshakeCount(); got != 1 {
		t.Fatalf("ActiveHandshakeCount() = %d, want 1", got)
	}

	m.cleanupHandshake(exchangeID)
	if m.HasActiveHandshake(exchangeID) {
		t.Fatal("handshake should be gone after cleanup")
	}
}

func randomBytes16(t *testing.T) [32]byte {
	t.Helper()
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func randomBytesN(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}
