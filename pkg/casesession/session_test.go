package casesession

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/hedda/mattercontrol/pkg/crypto"
	"github.com/hedda/mattercontrol/pkg/fabric"
)

// createTestFabricInfo creates a test fabric with generated keys.
func createTestFabricInfo(t *testing.T, index uint8, fabricID uint64, nodeID uint64) (*fabric.FabricInfo, *crypto.P256KeyPair) {
	t.Helper()

	operationalKey, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate operational key: %v", err)
	}

	rootKey, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate root key: %v", err)
	}

	var rootPubKey [65]byte
	copy(rootPubKey[:], rootKey.P256PublicKey())

	cfid, err := fabric.CompressedFabricIDFromCert(rootPubKey, fabric.FabricID(fabricID))
	if err != nil {
		t.Fatalf("failed to compute compressed fabric ID: %v", err)
	}

	// Placeholder NOC: tests that exercise the responder's certValidator
	// callback supply their own PeerCertInfo, so the NOC content itself is
	// never parsed here.
	noc := operationalKey.P256PublicKey()

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
		NOC:                noc,
	}

	return info, operationalKey
}

// peerInitiator drives the controller (CASE initiator) side of the handshake
// directly on top of the wire messages and key-derivation helpers, standing
// in for a real initiator. It exists only to exercise the responder's wire
// encoding/decoding and state machine end-to-end; this package never
// implements that role itself.
type peerInitiator struct {
	fabricInfo     *fabric.FabricInfo
	operationalKey *crypto.P256KeyPair
	ephKeyPair     *crypto.P256KeyPair
	random         [RandomSize]byte
	ipk            [crypto.SymmetricKeySize]byte

	localSessionID uint16
	peerEphPubKey  [crypto.P256PublicKeySizeBytes]byte
	sharedSecret   []byte
	msg1Bytes      []byte
	msg2Bytes      []byte
}

func newPeerInitiator(t *testing.T, fabricInfo *fabric.FabricInfo, operationalKey *crypto.P256KeyPair) *peerInitiator {
	t.Helper()

	ephKeyPair, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate ephemeral key: %v", err)
	}

	var random [RandomSize]byte
	if _, err := rand.Read(random[:]); err != nil {
		t.Fatalf("failed to generate random: %v", err)
	}

	ipkSlice, err := crypto.DeriveGroupOperationalKeyV1(fabricInfo.IPK[:], fabricInfo.CompressedFabricID[:])
	if err != nil {
		t.Fatalf("failed to derive IPK: %v", err)
	}
	var ipk [crypto.SymmetricKeySize]byte
	copy(ipk[:], ipkSlice)

	return &peerInitiator{
		fabricInfo:     fabricInfo,
		operationalKey: operationalKey,
		ephKeyPair:     ephKeyPair,
		random:         random,
		ipk:            ipk,
	}
}

// buildSigma1 targets destFabric, computing its destination ID the same way
// the responder's fabricLookup is expected to recognize it.
func (p *peerInitiator) buildSigma1(t *testing.T, localSessionID uint16, destFabric *fabric.FabricInfo) []byte {
	t.Helper()
	p.localSessionID = localSessionID

	destID := GenerateDestinationID(p.random, destFabric.RootPublicKey, uint64(destFabric.FabricID), uint64(destFabric.NodeID), p.ipk)

	var ephPub [crypto.P256PublicKeySizeBytes]byte
	copy(ephPub[:], p.ephKeyPair.P256PublicKey())

	sigma1 := &Sigma1{
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

// buildResumeSigma1 adds resumption fields derived from a prior session's
// shared secret and resumption ID.
func (p *peerInitiator) buildResumeSigma1(t *testing.T, localSessionID uint16, destFabric *fabric.FabricInfo, resumptionID [ResumptionIDSize]byte, priorSharedSecret []byte) []byte {
	t.Helper()
	p.localSessionID = localSessionID

	destID := GenerateDestinationID(p.random, destFabric.RootPublicKey, uint64(destFabric.FabricID), uint64(destFabric.NodeID), p.ipk)

	var ephPub [crypto.P256PublicKeySizeBytes]byte
	copy(ephPub[:], p.ephKeyPair.P256PublicKey())

	s1rk, err := DeriveS1RK(priorSharedSecret, p.random, resumptionID)
	if err != nil {
		t.Fatalf("DeriveS1RK: %v", err)
	}
	mic, err := ComputeResumeMIC(s1rk, Resume1Nonce)
	if err != nil {
		t.Fatalf("ComputeResumeMIC: %v", err)
	}

	sigma1 := &Sigma1{
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

// processSigma2 decodes the responder's Sigma2, derives the shared secret
// and S2K, and returns the decoded TBEData2 for inspection.
func (p *peerInitiator) processSigma2(t *testing.T, data []byte) *TBEData2 {
	t.Helper()

	sigma2, err := DecodeSigma2(data)
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

	s2k, err := DeriveS2K(sharedSecret, p.ipk, sigma2.ResponderRandom, sigma2.ResponderEphPubKey, p.msg1Bytes)
	if err != nil {
		t.Fatalf("DeriveS2K: %v", err)
	}

	tbeData2Bytes, err := DecryptTBEData(s2k, sigma2.Encrypted2, Sigma2Nonce, nil)
	if err != nil {
		t.Fatalf("decrypt TBEData2: %v", err)
	}
	tbeData2, err := DecodeTBEData2(tbeData2Bytes)
	if err != nil {
		t.Fatalf("DecodeTBEData2: %v", err)
	}
	return tbeData2
}

// buildSigma3 signs and encrypts TBSData3/TBEData3 using this peer's own
// operational key, producing a valid Sigma3 for the responder to verify.
func (p *peerInitiator) buildSigma3(t *testing.T) []byte {
	t.Helper()

	var ephPub [crypto.P256PublicKeySizeBytes]byte
	copy(ephPub[:], p.ephKeyPair.P256PublicKey())

	tbsData3 := &TBSData3{
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

	tbeData3 := &TBEData3{
		InitiatorNOC:  p.fabricInfo.NOC,
		InitiatorICAC: p.fabricInfo.ICAC,
	}
	copy(tbeData3.Signature[:], signature)
	tbeData3Bytes, err := tbeData3.Encode()
	if err != nil {
		t.Fatalf("encode TBEData3: %v", err)
	}

	s3k, err := DeriveS3K(p.sharedSecret, p.ipk, p.msg1Bytes, p.msg2Bytes)
	if err != nil {
		t.Fatalf("DeriveS3K: %v", err)
	}

	encrypted3, err := EncryptTBEData(s3k, tbeData3Bytes, Sigma3Nonce, nil)
	if err != nil {
		t.Fatalf("encrypt TBEData3: %v", err)
	}

	sigma3 := &Sigma3{Encrypted3: encrypted3}
	data, err := sigma3.Encode()
	if err != nil {
		t.Fatalf("encode Sigma3: %v", err)
	}
	return data
}

// sharedFabricLookup returns a FabricLookupFunc that recognizes destination
// IDs computed against responderFabric's root key and IPK.
func sharedFabricLookup(responderFabric *fabric.FabricInfo, responderKey *crypto.P256KeyPair) FabricLookupFunc {
	return func(destID [DestinationIDSize]byte, initiatorRandom [RandomSize]byte) (*fabric.FabricInfo, *crypto.P256KeyPair, error) {
		ipkSlice, _ := crypto.DeriveGroupOperationalKeyV1(responderFabric.IPK[:], responderFabric.CompressedFabricID[:])
		var ipk [crypto.SymmetricKeySize]byte
		copy(ipk[:], ipkSlice)
		if MatchDestinationID(destID, initiatorRandom, responderFabric.RootPublicKey, uint64(responderFabric.FabricID), uint64(responderFabric.NodeID), ipk) {
			return responderFabric, responderKey, nil
		}
		return nil, nil, ErrNoSharedRoot
	}
}

// sharedFabrics builds an initiator/responder fabric pair on the same root
// so destination ID matching succeeds.
func sharedFabrics(t *testing.T) (initiatorFabric, responderFabric *fabric.FabricInfo, initiatorKey, responderKey *crypto.P256KeyPair) {
	t.Helper()
	fabricID := uint64(0x1234567890ABCDEF)
	initiatorFabric, initiatorKey = createTestFabricInfo(t, 1, fabricID, 0x1111111111111111)
	responderFabric, responderKey = createTestFabricInfo(t, 1, fabricID, 0x2222222222222222)

	responderFabric.RootPublicKey = initiatorFabric.RootPublicKey
	responderFabric.IPK = initiatorFabric.IPK
	cfid, err := fabric.CompressedFabricIDFromCert(responderFabric.RootPublicKey, responderFabric.FabricID)
	if err != nil {
		t.Fatalf("compute compressed fabric ID: %v", err)
	}
	responderFabric.CompressedFabricID = cfid
	return
}

func TestSession_FullHandshake(t *testing.T) {
	initiatorFabric, responderFabric, initiatorKey, responderKey := sharedFabrics(t)

	responder := NewResponder(sharedFabricLookup(responderFabric, responderKey), nil)
	initiator := newPeerInitiator(t, initiatorFabric, initiatorKey)

	sigma1 := initiator.buildSigma1(t, 0x1000, responderFabric)

	sigma2, isResumption, err := responder.HandleSigma1(sigma1, 0x2000)
	if err != nil {
		t.Fatalf("HandleSigma1() failed: %v", err)
	}
	if isResumption {
		t.Error("expected full handshake, not resumption")
	}
	if responder.State() != StateWaitingSigma3 {
		t.Errorf("expected state WaitingSigma3, got %s", responder.State())
	}

	initiator.processSigma2(t, sigma2)
	sigma3 := initiator.buildSigma3(t)

	if err := responder.HandleSigma3(sigma3); err != nil {
		t.Fatalf("HandleSigma3() failed: %v", err)
	}
	if responder.State() != StateComplete {
		t.Errorf("expected state Complete, got %s", responder.State())
	}

	responderKeys, err := responder.SessionKeys()
	if err != nil {
		t.Fatalf("responder.SessionKeys() failed: %v", err)
	}

	// Derive the same keys from the initiator side to cross-check agreement.
	initiatorKeys, err := DeriveSessionKeys(initiator.sharedSecret, initiator.ipk, initiator.msg1Bytes, initiator.msg2Bytes, sigma3)
	if err != nil {
		t.Fatalf("DeriveSessionKeys (peer side): %v", err)
	}

	if initiatorKeys.I2RKey != responderKeys.I2RKey {
		t.Error("I2RKey mismatch between initiator and responder")
	}
	if initiatorKeys.R2IKey != responderKeys.R2IKey {
		t.Error("R2IKey mismatch between initiator and responder")
	}
	if initiatorKeys.AttestationChallenge != responderKeys.AttestationChallenge {
		t.Error("AttestationChallenge mismatch")
	}

	if responder.PeerSessionID() != initiator.localSessionID {
		t.Errorf("session ID mismatch: responder peer=%d, initiator local=%d",
			responder.PeerSessionID(), initiator.localSessionID)
	}
	if responder.UsedResumption() {
		t.Error("expected no resumption to be used")
	}
}

func TestSession_Resumption(t *testing.T) {
	initiatorFabric, responderFabric, initiatorKey, responderKey := sharedFabrics(t)

	// Complete a full handshake first, to obtain a shared secret and
	// resumption ID to resume from.
	responder1 := NewResponder(sharedFabricLookup(responderFabric, responderKey), nil)
	initiator1 := newPeerInitiator(t, initiatorFabric, initiatorKey)

	sigma1 := initiator1.buildSigma1(t, 0x1000, responderFabric)
	sigma2, _, err := responder1.HandleSigma1(sigma1, 0x2000)
	if err != nil {
		t.Fatalf("HandleSigma1() failed: %v", err)
	}
	initiator1.processSigma2(t, sigma2)
	sigma3 := initiator1.buildSigma3(t)
	if err := responder1.HandleSigma3(sigma3); err != nil {
		t.Fatalf("HandleSigma3() failed: %v", err)
	}

	storedSharedSecret := responder1.SharedSecret()
	storedResumptionID := responder1.ResumptionID()

	resumptionLookup := func(incomingID [ResumptionIDSize]byte) ([]byte, *fabric.FabricInfo, *crypto.P256KeyPair, bool) {
		if incomingID == storedResumptionID {
			return storedSharedSecret, responderFabric, responderKey, true
		}
		return nil, nil, nil, false
	}

	responder2 := NewResponder(sharedFabricLookup(responderFabric, responderKey), resumptionLookup)
	initiator2 := newPeerInitiator(t, initiatorFabric, initiatorKey)

	sigma1Resume := initiator2.buildResumeSigma1(t, 0x3000, responderFabric, storedResumptionID, storedSharedSecret)

	response, isResumption, err := responder2.HandleSigma1(sigma1Resume, 0x4000)
	if err != nil {
		t.Fatalf("HandleSigma1() with resumption failed: %v", err)
	}
	if !isResumption {
		t.Error("expected resumption to succeed")
	}
	if responder2.State() != StateComplete {
		t.Errorf("expected state Complete, got %s", responder2.State())
	}
	if !responder2.UsedResumption() {
		t.Error("expected resumption to be used")
	}

	sigma2Resume, err := DecodeSigma2Resume(response)
	if err != nil {
		t.Fatalf("DecodeSigma2Resume: %v", err)
	}
	s2rk, err := DeriveS2RK(storedSharedSecret, initiator2.random, sigma2Resume.ResumptionID)
	if err != nil {
		t.Fatalf("DeriveS2RK: %v", err)
	}
	if !VerifyResumeMIC(s2rk, Resume2Nonce, sigma2Resume.Resume2MIC) {
		t.Error("Resume2MIC does not verify against the resumed shared secret")
	}

	responderKeys, err := responder2.SessionKeys()
	if err != nil {
		t.Fatalf("responder.SessionKeys() failed: %v", err)
	}
	peerKeys, err := DeriveResumptionSessionKeys(storedSharedSecret, initiator2.ipk, sigma1Resume, response)
	if err != nil {
		t.Fatalf("DeriveResumptionSessionKeys (peer side): %v", err)
	}
	if peerKeys.I2RKey != responderKeys.I2RKey {
		t.Error("I2RKey mismatch after resumption")
	}
}

func TestSession_ResumptionFallback(t *testing.T) {
	initiatorFabric, responderFabric, initiatorKey, responderKey := sharedFabrics(t)

	// Responder has no resumption lookup configured, so any resumption
	// attempt falls straight through to the full handshake.
	responder := NewResponder(sharedFabricLookup(responderFabric, responderKey), nil)
	initiator := newPeerInitiator(t, initiatorFabric, initiatorKey)

	bogusResumptionID := [ResumptionIDSize]byte{0xFF, 0xEE, 0xDD}
	bogusSharedSecret := []byte{0x01, 0x02, 0x03}

	sigma1 := initiator.buildResumeSigma1(t, 0x1000, responderFabric, bogusResumptionID, bogusSharedSecret)

	sigma2, isResumption, err := responder.HandleSigma1(sigma1, 0x2000)
	if err != nil {
		t.Fatalf("HandleSigma1() failed: %v", err)
	}
	if isResumption {
		t.Error("expected fallback to full handshake")
	}

	initiator.processSigma2(t, sigma2)
	sigma3 := initiator.buildSigma3(t)

	if err := responder.HandleSigma3(sigma3); err != nil {
		t.Fatalf("HandleSigma3() failed: %v", err)
	}
	if responder.State() != StateComplete {
		t.Error("expected session to complete")
	}
}

func TestSession_InvalidState(t *testing.T) {
	t.Run("HandleSigma1 wrong state", func(t *testing.T) {
		responder := NewResponder(nil, nil)
		responder.mu.Lock()
		responder.state = StateComplete
		responder.mu.Unlock()

		_, _, err := responder.HandleSigma1([]byte{0x15}, 100)
		if err == nil {
			t.Error("expected error for HandleSigma1() in wrong state")
		}
	})

	t.Run("HandleSigma3 wrong state", func(t *testing.T) {
		responder := NewResponder(nil, nil)
		// Don't call HandleSigma1() first.
		err := responder.HandleSigma3([]byte{0x15})
		if err == nil {
			t.Error("expected error for HandleSigma3() in wrong state")
		}
	})
}

func TestSession_MissingResumptionFields(t *testing.T) {
	alwaysErr := func(destID [DestinationIDSize]byte, initiatorRandom [RandomSize]byte) (*fabric.FabricInfo, *crypto.P256KeyPair, error) {
		return nil, nil, ErrNoSharedRoot
	}

	base := Sigma1{
		InitiatorRandom:    [RandomSize]byte{0x01},
		InitiatorSessionID: 100,
		DestinationID:      [DestinationIDSize]byte{0x02},
		InitiatorEphPubKey: [crypto.P256PublicKeySizeBytes]byte{0x04},
	}

	t.Run("resumption ID without MIC", func(t *testing.T) {
		sigma1 := base
		sigma1.ResumptionID = &[ResumptionIDSize]byte{0xAA}
		data, err := sigma1.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		responder := NewResponder(alwaysErr, nil)
		_, _, err = responder.HandleSigma1(data, 200)
		if err != ErrMissingResumptionField {
			t.Errorf("got %v, want ErrMissingResumptionField", err)
		}
	})

	t.Run("MIC without resumption ID", func(t *testing.T) {
		sigma1 := base
		sigma1.InitiatorResumeMIC = &[MICSize]byte{0xBB}
		data, err := sigma1.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		responder := NewResponder(alwaysErr, nil)
		_, _, err = responder.HandleSigma1(data, 200)
		if err != ErrMissingResumptionField {
			t.Errorf("got %v, want ErrMissingResumptionField", err)
		}
	})
}

func TestSession_NoSharedRoot(t *testing.T) {
	fabricInfo, key := createTestFabricInfo(t, 1, 0x1234, 0x5678)

	alwaysErr := func(destID [DestinationIDSize]byte, initiatorRandom [RandomSize]byte) (*fabric.FabricInfo, *crypto.P256KeyPair, error) {
		return nil, nil, ErrNoSharedRoot
	}

	responder := NewResponder(alwaysErr, nil)
	initiator := newPeerInitiator(t, fabricInfo, key)

	sigma1 := initiator.buildSigma1(t, 100, fabricInfo)

	_, _, err := responder.HandleSigma1(sigma1, 200)
	if err == nil {
		t.Error("expected ErrNoSharedRoot error")
	}
}

func TestSession_WithMRPParams(t *testing.T) {
	initiatorFabric, responderFabric, initiatorKey, responderKey := sharedFabrics(t)

	responderMRP := &MRPParameters{
		IdleRetransTimeout: 3000,
		ActiveThreshold:    4000,
	}

	responder := NewResponder(sharedFabricLookup(responderFabric, responderKey), nil)
	responder.WithMRPParams(responderMRP)
	initiator := newPeerInitiator(t, initiatorFabric, initiatorKey)

	sigma1 := initiator.buildSigma1(t, 100, responderFabric)
	sigma2Bytes, _, err := responder.HandleSigma1(sigma1, 200)
	if err != nil {
		t.Fatalf("HandleSigma1() failed: %v", err)
	}

	sigma2, err := DecodeSigma2(sigma2Bytes)
	if err != nil {
		t.Fatalf("DecodeSigma2: %v", err)
	}
	if sigma2.MRPParams == nil || sigma2.MRPParams.IdleRetransTimeout != responderMRP.IdleRetransTimeout {
		t.Errorf("MRP params not carried in Sigma2: %+v", sigma2.MRPParams)
	}

	responderPeerMRP := responder.PeerMRPParams()
	if responderPeerMRP != nil {
		t.Errorf("responder should not have peer MRP params when initiator sends none, got %+v", responderPeerMRP)
	}
}

func TestSession_CertValidatorCallback(t *testing.T) {
	initiatorFabric, responderFabric, initiatorKey, responderKey := sharedFabrics(t)

	t.Run("responder callback fires on Sigma3 with correct data", func(t *testing.T) {
		callbackCalled := false
		var receivedNOC, receivedICAC []byte
		var receivedTrustedRoot [65]byte

		certValidator := func(noc []byte, icac []byte, trustedRoot [65]byte) (*PeerCertInfo, error) {
			callbackCalled = true
			receivedNOC = append([]byte(nil), noc...)
			if icac != nil {
				receivedICAC = append([]byte(nil), icac...)
			}
			receivedTrustedRoot = trustedRoot

			var pubKey [65]byte
			copy(pubKey[:], initiatorKey.P256PublicKey())
			return &PeerCertInfo{
				NodeID:    uint64(initiatorFabric.NodeID),
				FabricID:  uint64(initiatorFabric.FabricID),
				PublicKey: pubKey,
			}, nil
		}

		responder := NewResponder(sharedFabricLookup(responderFabric, responderKey), nil)
		responder.WithCertValidator(certValidator)
		initiator := newPeerInitiator(t, initiatorFabric, initiatorKey)

		sigma1 := initiator.buildSigma1(t, 0x1000, responderFabric)
		sigma2, _, err := responder.HandleSigma1(sigma1, 0x2000)
		if err != nil {
			t.Fatalf("HandleSigma1() failed: %v", err)
		}
		initiator.processSigma2(t, sigma2)
		sigma3 := initiator.buildSigma3(t)

		if err := responder.HandleSigma3(sigma3); err != nil {
			t.Fatalf("HandleSigma3() failed: %v", err)
		}

		if !callbackCalled {
			t.Fatal("cert validator callback was not called during HandleSigma3")
		}
		if !bytes.Equal(receivedNOC, initiatorFabric.NOC) {
			t.Errorf("callback received wrong NOC: got %d bytes, want %d bytes",
				len(receivedNOC), len(initiatorFabric.NOC))
		}
		if initiatorFabric.ICAC != nil {
			if !bytes.Equal(receivedICAC, initiatorFabric.ICAC) {
				t.Errorf("callback received wrong ICAC")
			}
		} else if receivedICAC != nil {
			t.Errorf("callback received ICAC when none expected: got %d bytes", len(receivedICAC))
		}
		if receivedTrustedRoot != responderFabric.RootPublicKey {
			t.Error("callback received wrong trusted root public key")
		}
	})

	t.Run("callback receives ICAC when present", func(t *testing.T) {
		fabricWithICAC, keyWithICAC := createTestFabricInfo(t, 2, uint64(initiatorFabric.FabricID), 0x3333333333333333)
		fabricWithICAC.ICAC = []byte{0xAA, 0xBB, 0xCC, 0xDD}
		fabricWithICAC.RootPublicKey = responderFabric.RootPublicKey
		fabricWithICAC.IPK = responderFabric.IPK
		cfid, err := fabric.CompressedFabricIDFromCert(fabricWithICAC.RootPublicKey, fabricWithICAC.FabricID)
		if err != nil {
			t.Fatalf("compute compressed fabric ID: %v", err)
		}
		fabricWithICAC.CompressedFabricID = cfid

		var receivedICAC []byte
		certValidator := func(noc []byte, icac []byte, trustedRoot [65]byte) (*PeerCertInfo, error) {
			if icac != nil {
				receivedICAC = append([]byte(nil), icac...)
			}
			var pubKey [65]byte
			copy(pubKey[:], keyWithICAC.P256PublicKey())
			return &PeerCertInfo{
				NodeID:    uint64(fabricWithICAC.NodeID),
				FabricID:  uint64(fabricWithICAC.FabricID),
				PublicKey: pubKey,
			}, nil
		}

		responder := NewResponder(sharedFabricLookup(responderFabric, responderKey), nil)
		responder.WithCertValidator(certValidator)
		initiator := newPeerInitiator(t, fabricWithICAC, keyWithICAC)

		sigma1 := initiator.buildSigma1(t, 0x1000, responderFabric)
		sigma2, _, err := responder.HandleSigma1(sigma1, 0x2000)
		if err != nil {
			t.Fatalf("HandleSigma1() failed: %v", err)
		}
		initiator.processSigma2(t, sigma2)
		sigma3 := initiator.buildSigma3(t)

		if err := responder.HandleSigma3(sigma3); err != nil {
			t.Fatalf("HandleSigma3() failed: %v", err)
		}
		if !bytes.Equal(receivedICAC, fabricWithICAC.ICAC) {
			t.Errorf("callback received wrong ICAC: got %x, want %x", receivedICAC, fabricWithICAC.ICAC)
		}
	})
}

func TestSession_CertValidatorFailure(t *testing.T) {
	initiatorFabric, responderFabric, initiatorKey, responderKey := sharedFabrics(t)

	t.Run("responder rejects invalid certificate", func(t *testing.T) {
		certValidator := func(noc []byte, icac []byte, trustedRoot [65]byte) (*PeerCertInfo, error) {
			return nil, ErrInvalidCertificate
		}

		responder := NewResponder(sharedFabricLookup(responderFabric, responderKey), nil)
		responder.WithCertValidator(certValidator)
		initiator := newPeerInitiator(t, initiatorFabric, initiatorKey)

		sigma1 := initiator.buildSigma1(t, 0x1000, responderFabric)
		sigma2, _, err := responder.HandleSigma1(sigma1, 0x2000)
		if err != nil {
			t.Fatalf("HandleSigma1() failed: %v", err)
		}
		initiator.processSigma2(t, sigma2)
		sigma3 := initiator.buildSigma3(t)

		if err := responder.HandleSigma3(sigma3); err == nil {
			t.Error("expected error for invalid certificate")
		}
	})

	t.Run("responder rejects wrong fabric ID", func(t *testing.T) {
		certValidator := func(noc []byte, icac []byte, trustedRoot [65]byte) (*PeerCertInfo, error) {
			var pubKey [65]byte
			copy(pubKey[:], initiatorKey.P256PublicKey())
			return &PeerCertInfo{
				NodeID:    uint64(initiatorFabric.NodeID),
				FabricID:  0xBADBADBAD,
				PublicKey: pubKey,
			}, nil
		}

		responder := NewResponder(sharedFabricLookup(responderFabric, responderKey), nil)
		responder.WithCertValidator(certValidator)
		initiator := newPeerInitiator(t, initiatorFabric, initiatorKey)

		sigma1 := initiator.buildSigma1(t, 0x1000, responderFabric)
		sigma2, _, err := responder.HandleSigma1(sigma1, 0x2000)
		if err != nil {
			t.Fatalf("HandleSigma1() failed: %v", err)
		}
		initiator.processSigma2(t, sigma2)
		sigma3 := initiator.buildSigma3(t)

		if err := responder.HandleSigma3(sigma3); err == nil {
			t.Error("expected error for wrong fabric ID")
		}
	})
}

func TestSession_SignatureVerification(t *testing.T) {
	initiatorFabric, responderFabric, initiatorKey, responderKey := sharedFabrics(t)

	t.Run("responder rejects invalid signature (wrong public key)", func(t *testing.T) {
		wrongKey, err := crypto.P256GenerateKeyPair()
		if err != nil {
			t.Fatalf("P256GenerateKeyPair: %v", err)
		}

		certValidator := func(noc []byte, icac []byte, trustedRoot [65]byte) (*PeerCertInfo, error) {
			var pubKey [65]byte
			copy(pubKey[:], wrongKey.P256PublicKey())
			return &PeerCertInfo{
				NodeID:    uint64(initiatorFabric.NodeID),
				FabricID:  uint64(initiatorFabric.FabricID),
				PublicKey: pubKey,
			}, nil
		}

		responder := NewResponder(sharedFabricLookup(responderFabric, responderKey), nil)
		responder.WithCertValidator(certValidator)
		initiator := newPeerInitiator(t, initiatorFabric, initiatorKey)

		sigma1 := initiator.buildSigma1(t, 0x1000, responderFabric)
		sigma2, _, err := responder.HandleSigma1(sigma1, 0x2000)
		if err != nil {
			t.Fatalf("HandleSigma1() failed: %v", err)
		}
		initiator.processSigma2(t, sigma2)
		sigma3 := initiator.buildSigma3(t)

		if err := responder.HandleSigma3(sigma3); err == nil {
			t.Error("expected signature verification error")
		}
	})

	t.Run("full handshake succeeds with correct validation", func(t *testing.T) {
		responderValidator := func(noc []byte, icac []byte, trustedRoot [65]byte) (*PeerCertInfo, error) {
			var pubKey [65]byte
			copy(pubKey[:], initiatorKey.P256PublicKey())
			return &PeerCertInfo{
				NodeID:    uint64(initiatorFabric.NodeID),
				FabricID:  uint64(initiatorFabric.FabricID),
				PublicKey: pubKey,
			}, nil
		}

		responder := NewResponder(sharedFabricLookup(responderFabric, responderKey), nil)
		responder.WithCertValidator(responderValidator)
		initiator := newPeerInitiator(t, initiatorFabric, initiatorKey)

		sigma1 := initiator.buildSigma1(t, 0x1000, responderFabric)
		sigma2, isResumption, err := responder.HandleSigma1(sigma1, 0x2000)
		if err != nil {
			t.Fatalf("HandleSigma1() failed: %v", err)
		}
		if isResumption {
			t.Error("expected full handshake")
		}
		initiator.processSigma2(t, sigma2)
		sigma3 := initiator.buildSigma3(t)

		if err := responder.HandleSigma3(sigma3); err != nil {
			t.Fatalf("HandleSigma3() failed: %v", err)
		}
		if responder.State() != StateComplete {
			t.Errorf("responder expected Complete, got %s", responder.State())
		}
	})
}
