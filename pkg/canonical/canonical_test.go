package canonical

import (
	"testing"
)

func TestJCSSortsKeys(t *testing.T) {
	v := map[string]interface{}{
		"zulu":  1,
		"alpha": "x",
		"mike":  true,
	}
	got, err := JCS(v)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	want := `{"alpha":"x","mike":true,"zulu":1}`
	if string(got) != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	got, err := JCSString(map[string]string{"q": "a<b>&c"})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	want := `{"q":"a<b>&c"}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestJCSRespectsStructTags(t *testing.T) {
	type payload struct {
		Period string `json:"period"`
		Kind   string `json:"report_kind"`
		Skip   string `json:"-"`
	}
	got, err := JCSString(payload{Period: "2026-01", Kind: "billing", Skip: "x"})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	want := `{"period":"2026-01","report_kind":"billing"}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCanonicalHashStableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": []interface{}{"a", "b"}}
	b := map[string]interface{}{"y": []interface{}{"a", "b"}, "x": 1}

	ha, err := CanonicalHash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected identical hashes, got %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Fatalf("expected hex sha256, got %q", ha)
	}
}

func TestHashBytesKnownVector(t *testing.T) {
	// sha256("") is a fixed vector.
	if got := HashBytes(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("unexpected empty hash: %s", got)
	}
}
