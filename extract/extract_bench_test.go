package extract

import (
	"strings"
	"testing"
)

// BenchmarkExtract_Labeled benchmarks a body where the labeled matcher hits
func BenchmarkExtract_Labeled(b *testing.B) {
	e := Default()
	text := strings.Repeat("Dear user, this is filler text. ", 50) + "Steam Guard code: 2DWGV"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Extract(text)
	}
}

// BenchmarkExtract_NoMatch benchmarks a body where every matcher is consulted
func BenchmarkExtract_NoMatch(b *testing.B) {
	e := Default()
	text := strings.Repeat("dear user, this is filler text. ", 50)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Extract(text)
	}
}
