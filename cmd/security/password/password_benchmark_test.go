package password

import "testing"

func BenchmarkHash_DefaultConfig(b *testing.B) {
	cfg := DefaultConfig()
	for b.Loop() {
		if _, err := cfg.Hash(goodPassword); err != nil {
			b.Fatalf("Hash error: %v", err)
		}
	}
}

func BenchmarkVerify_DefaultConfig(b *testing.B) {
	cfg := DefaultConfig()
	h, err := cfg.Hash(goodPassword)
	if err != nil {
		b.Fatalf("Hash error: %v", err)
	}
	for b.Loop() {
		if ok, err := cfg.Verify(h, goodPassword); err != nil || !ok {
			b.Fatalf("Verify failed: ok=%v err=%v", ok, err)
		}
	}
}
