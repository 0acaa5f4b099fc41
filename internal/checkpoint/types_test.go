package checkpoint

import "testing"

// P4: a checkpoint index is contiguous (index == len(checkpoints)), its
// token ranges never overlap or gap, and proof_hash never repeats.
func TestIndexAppendEnforcesContiguousTokenRange(t *testing.T) {
	idx := NewIndex("s1", "0xHost")
	idx, err := idx.Append(Entry{Index: 0, ProofHash: "0xaa", TokenRange: [2]uint64{0, 10}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Append(Entry{Index: 1, ProofHash: "0xbb", TokenRange: [2]uint64{11, 20}}); err == nil {
		t.Fatalf("expected a gap in token_range to be rejected")
	}
}

func TestIndexAppendEnforcesSequentialIndex(t *testing.T) {
	idx := NewIndex("s1", "0xHost")
	if _, err := idx.Append(Entry{Index: 1, ProofHash: "0xaa", TokenRange: [2]uint64{0, 10}}); err == nil {
		t.Fatalf("expected a non-zero first index to be rejected")
	}

	idx, err := idx.Append(Entry{Index: 0, ProofHash: "0xaa", TokenRange: [2]uint64{0, 10}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Append(Entry{Index: 2, ProofHash: "0xbb", TokenRange: [2]uint64{10, 20}}); err == nil {
		t.Fatalf("expected a skipped index to be rejected")
	}
}

func TestIndexAppendRejectsDuplicateProofHash(t *testing.T) {
	idx := NewIndex("s1", "0xHost")
	idx, err := idx.Append(Entry{Index: 0, ProofHash: "0xaa", TokenRange: [2]uint64{0, 10}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.Append(Entry{Index: 1, ProofHash: "0xaa", TokenRange: [2]uint64{10, 20}}); err == nil {
		t.Fatalf("expected a repeated proof_hash to be rejected")
	}
}

func TestIndexAppendAcceptsContiguousChain(t *testing.T) {
	idx := NewIndex("s1", "0xHost")
	idx, err := idx.Append(Entry{Index: 0, ProofHash: "0xaa", TokenRange: [2]uint64{0, 10}})
	if err != nil {
		t.Fatal(err)
	}
	idx, err = idx.Append(Entry{Index: 1, ProofHash: "0xbb", TokenRange: [2]uint64{10, 25}})
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.Checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(idx.Checkpoints))
	}
}
