package state

import (
	"fmt"
	"testing"
	"time"
)

// BenchmarkFileTracker_MarkProcessed benchmarks the state tracker write performance
func BenchmarkFileTracker_MarkProcessed(b *testing.B) {
	tracker, err := NewFileTracker(b.TempDir(), true)
	if err != nil {
		b.Fatal(err)
	}
	defer tracker.Close()

	at := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		entry := Entry{Outcome: OutcomeStored, RecordID: fmt.Sprintf("rec-%d", i), At: at}
		if err := tracker.MarkProcessed(fmt.Sprintf("hash-%d", i), entry); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	if err := tracker.Close(); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkFileTracker_AlreadyProcessed benchmarks lookup performance
func BenchmarkFileTracker_AlreadyProcessed(b *testing.B) {
	tracker, err := NewFileTracker(b.TempDir(), false)
	if err != nil {
		b.Fatal(err)
	}

	for i := 0; i < 1000; i++ {
		if err := tracker.MarkProcessed(fmt.Sprintf("hash-%d", i), Entry{Outcome: OutcomeRejected}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.AlreadyProcessed(fmt.Sprintf("hash-%d", i%1000))
	}
}
