package wire

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"io"
	"net"
	"testing"
	"time"

	"github.com/iotready/device/pkg/crypto"
	"github.com/iotready/device/pkg/keys"
)

// fakeCloud drives the server side of the TCP handshake over a pipe.
type fakeCloud struct {
	serverKey *rsa.PrivateKey
	material  []byte
	conn      net.Conn

	// captured from the device response
	nonce   []byte
	devID   []byte
	devPub  []byte
	hsError error
}

func (f *fakeCloud) run(devicePub *rsa.PublicKey, deviceIDLen int) {
	// Step 1: nonce.
	if _, err := f.conn.Write(f.nonce); err != nil {
		f.hsError = err
		return
	}

	// Step 2: device identity response.
	response := make([]byte, f.serverKey.Size())
	if _, err := io.ReadFull(f.conn, response); err != nil {
		f.hsError = err
		return
	}
	plain, err := rsa.DecryptPKCS1v15(nil, f.serverKey, response)
	if err != nil {
		f.hsError = err
		return
	}
	f.devID = plain[NonceLen : NonceLen+deviceIDLen]
	f.devPub = plain[NonceLen+deviceIDLen:]

	// Step 3: session material + signed HMAC.
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, devicePub, f.material)
	if err != nil {
		f.hsError = err
		return
	}
	digest := crypto.HMACSHA1(f.material, ciphertext)
	sig, err := rsa.SignPKCS1v15(nil, f.serverKey, 0, digest)
	if err != nil {
		f.hsError = err
		return
	}
	if _, err := f.conn.Write(ciphertext); err != nil {
		f.hsError = err
		return
	}
	if _, err := f.conn.Write(sig); err != nil {
		f.hsError = err
	}
}

func newHandshakePair(t *testing.T, material []byte) (*TCPChannel, *fakeCloud, *crypto.CBCEncrypter, *crypto.CBCDecrypter) {
	t.Helper()

	deviceKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	deviceID, err := hex.DecodeString("000102030405060708090a0b")
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}

	devSide, srvSide := net.Pipe()
	cloud := &fakeCloud{
		serverKey: serverKey,
		material:  material,
		conn:      srvSide,
		nonce:     bytes.Repeat([]byte{0x01}, NonceLen),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		cloud.run(&deviceKey.PublicKey, len(deviceID))
	}()

	ch, err := DialTCP(TCPConfig{
		DeviceID:   deviceID,
		PrivateKey: deviceKey,
		ServerKey:  &serverKey.PublicKey,
		Conn:       devSide,
	})
	<-done
	if cloud.hsError != nil {
		t.Fatalf("fake cloud error = %v", cloud.hsError)
	}
	if err != nil {
		t.Fatalf("DialTCP() error = %v", err)
	}

	// Server-side cipher streams mirroring the derived session keys.
	sk, err := crypto.DeriveSessionKeys(material)
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v", err)
	}
	srvEnc, err := crypto.NewCBCEncrypter(sk.Key, sk.IV)
	if err != nil {
		t.Fatalf("NewCBCEncrypter() error = %v", err)
	}
	srvDec, err := crypto.NewCBCDecrypter(sk.Key, sk.IV)
	if err != nil {
		t.Fatalf("NewCBCDecrypter() error = %v", err)
	}

	t.Cleanup(func() {
		ch.Close()
		srvSide.Close()
	})

	return ch, cloud, srvEnc, srvDec
}

func TestTCPHandshake(t *testing.T) {
	material := bytes.Repeat([]byte{0x02}, crypto.SessionMaterialLen)
	ch, cloud, _, _ := newHandshakePair(t, material)

	// The device must have sent nonce || deviceID || devPubDER.
	wantID, _ := hex.DecodeString("000102030405060708090a0b")
	if !bytes.Equal(cloud.devID, wantID) {
		t.Errorf("device id = %x, want %x", cloud.devID, wantID)
	}
	if _, err := keys.ParsePublicKey(cloud.devPub); err != nil {
		t.Errorf("device public key DER did not parse: %v", err)
	}

	// Derived counter seed per the session material layout.
	if ch.InitialMessageID() != 0x0202 {
		t.Errorf("InitialMessageID() = %#x, want 0x0202", ch.InitialMessageID())
	}
}

func TestTCPHandshakeHMACMismatch(t *testing.T) {
	deviceKey, _ := rsa.GenerateKey(rand.Reader, 1024)
	serverKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	deviceID, _ := hex.DecodeString("000102030405060708090a0b")

	devSide, srvSide := net.Pipe()
	defer srvSide.Close()

	material := bytes.Repeat([]byte{0x02}, crypto.SessionMaterialLen)

	go func() {
		srvSide.Write(bytes.Repeat([]byte{0x01}, NonceLen))

		response := make([]byte, serverKey.Size())
		io.ReadFull(srvSide, response)

		ciphertext, _ := rsa.EncryptPKCS1v15(rand.Reader, &deviceKey.PublicKey, material)
		// Sign an HMAC over the wrong bytes.
		digest := crypto.HMACSHA1(material, []byte("tampered"))
		sig, _ := rsa.SignPKCS1v15(nil, serverKey, 0, digest)
		srvSide.Write(ciphertext)
		srvSide.Write(sig)
	}()

	_, err := DialTCP(TCPConfig{
		DeviceID:   deviceID,
		PrivateKey: deviceKey,
		ServerKey:  &serverKey.PublicKey,
		Conn:       devSide,
	})
	if err == nil {
		t.Fatal("DialTCP() should fail on HMAC mismatch")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("HMAC")) {
		t.Errorf("error = %v, want HMAC mismatch", err)
	}
}

func TestTCPChannelRoundTrip(t *testing.T) {
	material := bytes.Repeat([]byte{0x02}, crypto.SessionMaterialLen)
	ch, cloud, srvEnc, srvDec := newHandshakePair(t, material)

	srvReader := NewStreamReader(cloud.conn)
	srvWriter := NewStreamWriter(cloud.conn)

	// Device -> cloud.
	outFrame := []byte("device frame")
	writeDone := make(chan error, 1)
	go func() { writeDone <- ch.Write(outFrame) }()

	got, err := srvReader.Read()
	if err != nil {
		t.Fatalf("server read error = %v", err)
	}
	plain, err := srvDec.Decrypt(got)
	if err != nil {
		t.Fatalf("server decrypt error = %v", err)
	}
	if !bytes.Equal(plain, outFrame) {
		t.Errorf("server received %q, want %q", plain, outFrame)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// Cloud -> device.
	inFrame := []byte("cloud frame")
	go srvWriter.Write(srvEnc.Encrypt(inFrame))

	gotIn, err := ch.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(gotIn, inFrame) {
		t.Errorf("device received %q, want %q", gotIn, inFrame)
	}
}

func TestTCPCloseUnblocksRead(t *testing.T) {
	material := bytes.Repeat([]byte{0x02}, crypto.SessionMaterialLen)
	ch, _, _, _ := newHandshakePair(t, material)

	readErr := make(chan error, 1)
	go func() {
		_, err := ch.Read()
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-readErr:
		if err == nil {
			t.Error("Read() after Close should fail")
		}
	case <-time.After(time.Second):
		t.Fatal("Read() did not unblock after Close")
	}
}

func TestStreamFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	r := NewStreamReader(&buf)

	frames := [][]byte{
		[]byte("first"),
		{},
		bytes.Repeat([]byte{0xAB}, 1000),
	}
	for _, f := range frames {
		if err := w.Write(f); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	for i, want := range frames {
		got, err := r.Read()
		if err != nil {
			t.Fatalf("frame %d: Read() error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %x, want %x", i, got, want)
		}
	}
}

func TestStreamWriterRejectsOversizedFrame(t *testing.T) {
	w := NewStreamWriter(io.Discard)
	if err := w.Write(make([]byte, MaxFrameSize+1)); err != ErrFrameTooLarge {
		t.Errorf("Write() error = %v, want %v", err, ErrFrameTooLarge)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}, KindDNSNotFound},
		{"refused", &net.OpError{Op: "dial", Err: errConnRefused{}}, KindConnectionRefused},
		{"other", io.ErrUnexpectedEOF, KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

type errConnRefused struct{}

func (errConnRefused) Error() string { return "connection refused" }
