package filter

import (
	"testing"

	"github.com/dhcgn/mail-relay/model"
)

// BenchmarkFilter_Accept_Allowed benchmarks the filter for a message that passes every check
func BenchmarkFilter_Accept_Allowed(b *testing.B) {
	f, err := New(Options{
		AllowedDomains:  []string{"steampowered.com", "gmail.com"},
		BlockedKeywords: []string{"spam", "unwanted"},
		MaxSize:         10 * 1024 * 1024,
	})
	if err != nil {
		b.Fatal(err)
	}

	msg := model.Message{From: "noreply@steampowered.com", Subject: "Your Steam account: Access from new computer", Size: 4096}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Accept(msg)
	}
}

// BenchmarkFilter_Accept_ManyKeywords benchmarks the keyword scan with a long block-list
func BenchmarkFilter_Accept_ManyKeywords(b *testing.B) {
	keywords := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		keywords = append(keywords, "keyword-"+string(rune('a'+i%26)))
	}
	f, err := New(Options{
		AllowedDomains:  []string{"steampowered.com"},
		BlockedKeywords: keywords,
		MaxSize:         10 * 1024 * 1024,
	})
	if err != nil {
		b.Fatal(err)
	}

	msg := model.Message{From: "noreply@steampowered.com", Subject: "Your Steam account: Access from new computer", Size: 4096}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Accept(msg)
	}
}
