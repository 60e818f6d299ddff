package webpush

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

// newSubscriberKeys builds a browser-side key pair and auth secret.
func newSubscriberKeys(t *testing.T) (*ecdh.PrivateKey, string, string) {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return priv, b64encode(priv.PublicKey().Bytes()), b64encode(auth)
}

// newVAPIDKeys builds a signing identity from a fresh ECDSA key.
func newVAPIDKeys(t *testing.T) (VAPIDKeys, *ecdsa.PublicKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	d := priv.D.FillBytes(make([]byte, 32))
	return VAPIDKeys{
		PublicKey:  b64encode(pub),
		PrivateKey: b64encode(d),
		Subject:    "mailto:ops@example.com",
	}, &priv.PublicKey
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	subPriv, p256dh, auth := newSubscriberKeys(t)
	plaintext := []byte(`{"title":"🎾 예약 가능 알림","body":"Foo 20250601 10:00"}`)

	msg, err := EncryptAES128GCM(p256dh, auth, plaintext)
	require.NoError(t, err)
	require.Len(t, msg.Salt, 16)
	require.Len(t, msg.ServerPublicKey, 65)
	require.NotEqual(t, plaintext, msg.Ciphertext)

	got, err := Decrypt(subPriv, auth, msg)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEncrypt_FreshEphemeralPerMessage(t *testing.T) {
	t.Parallel()

	_, p256dh, auth := newSubscriberKeys(t)
	a, err := EncryptAES128GCM(p256dh, auth, []byte("x"))
	require.NoError(t, err)
	b, err := EncryptAES128GCM(p256dh, auth, []byte("x"))
	require.NoError(t, err)
	require.NotEqual(t, a.ServerPublicKey, b.ServerPublicKey)
	require.NotEqual(t, a.Salt, b.Salt)
}

func TestEncrypt_RejectsBadSubscriberKey(t *testing.T) {
	t.Parallel()

	_, err := EncryptAES128GCM(b64encode([]byte("short")), b64encode(make([]byte, 16)), []byte("x"))
	require.Error(t, err)
}

func TestDERToJose_PassthroughRaw64(t *testing.T) {
	t.Parallel()

	raw := bytes.Repeat([]byte{0xAB}, 64)
	got, err := DERToJose(raw)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestDERToJose_PadsShortIntegers(t *testing.T) {
	t.Parallel()

	// r = 0x01 (1 byte), s = 0x02 0x03 (2 bytes).
	der := []byte{0x30, 0x07, 0x02, 0x01, 0x01, 0x02, 0x02, 0x02, 0x03}
	got, err := DERToJose(der)
	require.NoError(t, err)
	require.Len(t, got, 64)

	wantR := append(make([]byte, 31), 0x01)
	wantS := append(make([]byte, 30), 0x02, 0x03)
	require.Equal(t, wantR, got[:32])
	require.Equal(t, wantS, got[32:])
}

func TestDERToJose_StripsLeadingZeros(t *testing.T) {
	t.Parallel()

	// Both integers carry the DER sign byte before a high bit.
	r := append([]byte{0x00, 0x80}, bytes.Repeat([]byte{0x11}, 31)...)
	s := append([]byte{0x00, 0xFF}, bytes.Repeat([]byte{0x22}, 31)...)
	der := []byte{0x30, byte(4 + len(r) + len(s)), 0x02, byte(len(r))}
	der = append(der, r...)
	der = append(der, 0x02, byte(len(s)))
	der = append(der, s...)

	got, err := DERToJose(der)
	require.NoError(t, err)
	require.Len(t, got, 64)
	require.Equal(t, r[1:], got[:32])
	require.Equal(t, s[1:], got[32:])
}

func TestDERToJose_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := DERToJose([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
}

func TestAuthorization_SignsVerifiableJWT(t *testing.T) {
	t.Parallel()

	keys, pub := newVAPIDKeys(t)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	header, err := keys.Authorization("https://fcm.googleapis.com/fcm/send/abc123", now)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(header, "vapid t="))

	rest := strings.TrimPrefix(header, "vapid t=")
	parts := strings.SplitN(rest, ", k=", 2)
	require.Len(t, parts, 2)
	require.Equal(t, keys.PublicKey, parts[1])

	token, err := jwt.Parse(parts[0], func(*jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	require.True(t, token.Valid)

	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	require.Equal(t, "https://fcm.googleapis.com", claims["aud"])
	require.Equal(t, "mailto:ops@example.com", claims["sub"])
	require.InDelta(t, float64(now.Add(12*time.Hour).Unix()), claims["exp"], 1)
}

func TestAuthorization_PrependsMailto(t *testing.T) {
	t.Parallel()

	keys, pub := newVAPIDKeys(t)
	keys.Subject = "ops@example.com"

	header, err := keys.Authorization("https://push.example/ep", time.Now())
	require.NoError(t, err)

	rest := strings.TrimPrefix(header, "vapid t=")
	tokenStr := strings.SplitN(rest, ", k=", 2)[0]
	token, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) { return pub, nil })
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	require.Equal(t, "mailto:ops@example.com", claims["sub"])
}

func TestValidate_RejectsMalformedKeys(t *testing.T) {
	t.Parallel()

	keys, _ := newVAPIDKeys(t)
	require.NoError(t, keys.Validate())

	bad := keys
	bad.PublicKey = b64encode([]byte("not a point"))
	require.Error(t, bad.Validate())

	bad = keys
	bad.Subject = ""
	require.Error(t, bad.Validate())
}

func TestB64Decode_ToleratesPaddingAndStandardAlphabet(t *testing.T) {
	t.Parallel()

	raw := []byte{0xFB, 0xEF, 0xBE, 0x01, 0x02}
	std := base64.StdEncoding.EncodeToString(raw)
	got, err := b64decode(std)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestClientSend_HeadersAndBody(t *testing.T) {
	t.Parallel()

	subPriv, p256dh, auth := newSubscriberKeys(t)
	keys, _ := newVAPIDKeys(t)

	var gotReq *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Clone(context.Background())
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.Bytes()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	clk := &fixedClock{now: time.Now()}
	client, err := NewClient(srv.Client(), keys, "seed", 60, clk)
	require.NoError(t, err)

	sub := Subscription{Endpoint: srv.URL + "/ep", P256dh: p256dh, Auth: auth}
	require.NoError(t, client.Send(context.Background(), sub, "🎾 예약 가능 알림", "Foo 20250601 10:00"))

	require.Equal(t, "60", gotReq.Header.Get("TTL"))
	require.Equal(t, "aes128gcm", gotReq.Header.Get("Content-Encoding"))
	require.Contains(t, gotReq.Header.Get("Crypto-Key"), "dh=")
	require.Contains(t, gotReq.Header.Get("Crypto-Key"), "p256ecdsa="+keys.PublicKey)
	require.True(t, strings.HasPrefix(gotReq.Header.Get("Encryption"), "salt="))
	require.True(t, strings.HasPrefix(gotReq.Header.Get("Authorization"), "vapid t="))
	require.Empty(t, gotReq.Header.Get("Topic"))

	// The body decrypts back to the notification JSON.
	cryptoKey := gotReq.Header.Get("Crypto-Key")
	dh := strings.TrimPrefix(strings.SplitN(cryptoKey, ";", 2)[0], "dh=")
	serverPub, err := b64decode(dh)
	require.NoError(t, err)
	salt, err := b64decode(strings.TrimPrefix(gotReq.Header.Get("Encryption"), "salt="))
	require.NoError(t, err)

	plain, err := Decrypt(subPriv, auth, &EncryptedMessage{
		Ciphertext:      gotBody,
		Salt:            salt,
		ServerPublicKey: serverPub,
	})
	require.NoError(t, err)
	require.Contains(t, string(plain), "Foo 20250601 10:00")
}

func TestClientSend_GoneStatus(t *testing.T) {
	t.Parallel()

	_, p256dh, auth := newSubscriberKeys(t)
	keys, _ := newVAPIDKeys(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	client, err := NewClient(srv.Client(), keys, "seed", 0, &fixedClock{now: time.Now()})
	require.NoError(t, err)

	sub := Subscription{Endpoint: srv.URL + "/ep", P256dh: p256dh, Auth: auth}
	err = client.Send(context.Background(), sub, "t", "b")
	require.ErrorIs(t, err, ErrSubscriptionGone)
}

func TestClientSend_SurfacesStatusError(t *testing.T) {
	t.Parallel()

	_, p256dh, auth := newSubscriberKeys(t)
	keys, _ := newVAPIDKeys(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	client, err := NewClient(srv.Client(), keys, "seed", 0, &fixedClock{now: time.Now()})
	require.NoError(t, err)

	sub := Subscription{Endpoint: srv.URL + "/ep", P256dh: p256dh, Auth: auth}
	err = client.Send(context.Background(), sub, "t", "b")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	require.Contains(t, statusErr.Body, "slow down")
}

func TestAppleTopic_32HexChars(t *testing.T) {
	t.Parallel()

	topic := appleTopic("search-tennis-court")
	require.Len(t, topic, 32)
	for _, c := range topic {
		require.Contains(t, "0123456789abcdef", string(c))
	}
	require.Equal(t, topic, appleTopic("search-tennis-court"))
}
