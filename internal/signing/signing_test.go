package signing

import "testing"

func TestSign_ReferenceDigest(t *testing.T) {
	got := Sign("abc", "s3cr3t")
	if got != "66350530e0f11478682cfa31e8a2a9cc" {
		t.Errorf("Sign(abc, s3cr3t) = %s", got)
	}
}

func TestSign_Deterministic(t *testing.T) {
	corpus := []struct{ body, secret string }{
		{"abc", "s3cr3t"},
		{"abc", "s3cr3T"},
		{"abd", "s3cr3t"},
		{`{"eventList":[]}`, "s3cr3t"},
		{"", "s3cr3t"},
		{"abc", "other"},
	}

	seen := make(map[string]int)
	for i, c := range corpus {
		first := Sign(c.body, c.secret)
		if second := Sign(c.body, c.secret); first != second {
			t.Errorf("Sign(%q, %q) not deterministic: %s vs %s", c.body, c.secret, first, second)
		}
		if len(first) != 32 {
			t.Errorf("Sign(%q, %q) length = %d, want 32", c.body, c.secret, len(first))
		}
		if j, dup := seen[first]; dup {
			t.Errorf("digest collision between corpus entries %d and %d", j, i)
		}
		seen[first] = i
	}
}

func TestSignIfConfigured(t *testing.T) {
	if got := SignIfConfigured("abc", ""); got != "" {
		t.Errorf("SignIfConfigured without secret = %q, want empty", got)
	}
	if got := SignIfConfigured("abc", "s3cr3t"); got != Sign("abc", "s3cr3t") {
		t.Errorf("SignIfConfigured = %q", got)
	}
}
