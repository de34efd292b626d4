package pay

import "testing"

func TestVerifyHMAC(t *testing.T) {
	body := []byte("{\"ok\":true}")
	secret := "secret"
	signature := "f6b4a2841c93f8bf2fb8f2c13d8fb0b6c8e8019f09ee405d248daa8385fad638"
	if !VerifyHMAC(body, signature, secret) {
		t.Fatal("expected signature to be valid")
	}
	if VerifyHMAC(body, "deadbeef", secret) {
		t.Fatal("unexpected valid signature")
	}
}

func TestWebhookAuth(t *testing.T) {
	body := []byte(`{"event":"transaction"}`)
	sig := "b71f324bd16c9c43d123dd1d2fef82897364421f180b3893f8079204cdf40723"

	open := WebhookAuth{}
	if !open.Verify(body, "", "") {
		t.Fatal("empty secret must accept everything")
	}

	auth := WebhookAuth{Secret: "whsec"}
	if !auth.Verify(body, sig, "") {
		t.Fatal("expected valid signature")
	}
	if auth.Verify(body, "00", "whsec") {
		t.Fatal("a bad signature must not fall back to the token")
	}
	if !auth.Verify(body, "", "whsec") {
		t.Fatal("expected matching token to pass")
	}
	if auth.Verify(body, "", "wrong") {
		t.Fatal("expected wrong token to fail")
	}
}
