package piece

import "testing"

func TestPieceCount(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		pieceLen  int64
		wantCount int
		wantOK    bool
	}{
		{"zero size", 0, 1024, 0, false},
		{"zero pieceLen", 1024, 0, 0, false},
		{"exact fit", 2048, 1024, 2, true},
		{"one extra byte", 2049, 1024, 3, true},
		{"less than one piece", 512, 1024, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PieceCount(tt.size, tt.pieceLen)
			if got != tt.wantCount || ok != tt.wantOK {
				t.Errorf("PieceCount() = (%v, %v), want (%v, %v)", got, ok, tt.wantCount, tt.wantOK)
			}
		})
	}
}

func TestLastPieceLength(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		pieceLen int64
		want     int64
		wantOK   bool
	}{
		{"exact fit", 2048, 1024, 1024, true},
		{"one extra byte", 2049, 1024, 1, true},
		{"less than one piece", 512, 1024, 512, true},
		{"single byte torrent", 1, 262144, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LastPieceLength(tt.size, tt.pieceLen)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("LastPieceLength() = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestPieceLengthAt(t *testing.T) {
	tests := []struct {
		name     string
		index    int
		size     int64
		pieceLen int64
		want     int64
		wantOK   bool
	}{
		{"first piece", 0, 2048, 1024, 1024, true},
		{"last piece", 1, 2048, 1024, 1024, true},
		{"out of bounds", 2, 2048, 1024, 0, false},
		{"last piece (not exact)", 2, 2049, 1024, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PieceLengthAt(tt.index, tt.size, tt.pieceLen)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("PieceLengthAt() = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBlockCountAndLastBlockLength(t *testing.T) {
	count, ok := BlockCountForPiece(262144, MaxBlockLength)
	if !ok || count != 16 {
		t.Fatalf("BlockCountForPiece(262144) = (%d, %v), want (16, true)", count, ok)
	}

	lastLen, ok := LastBlockLength(1, MaxBlockLength)
	if !ok || lastLen != 1 {
		t.Fatalf("LastBlockLength(1) = (%d, %v), want (1, true)", lastLen, ok)
	}
}

func TestBlockBoundsLastPieceLastBlock(t *testing.T) {
	// Final piece of 1 byte: a single block of length 1 at offset 0.
	begin, length, ok := BlockBounds(1, 0)
	if !ok || begin != 0 || length != 1 {
		t.Fatalf("BlockBounds(1, 0) = (%d, %d, %v), want (0, 1, true)", begin, length, ok)
	}

	if _, _, ok := BlockBounds(1, 1); ok {
		t.Fatalf("BlockBounds(1, 1) should be out of range")
	}
}

func TestBlockIndexForBegin(t *testing.T) {
	idx, ok := BlockIndexForBegin(MaxBlockLength, 2*MaxBlockLength)
	if !ok || idx != 1 {
		t.Fatalf("BlockIndexForBegin = (%d, %v), want (1, true)", idx, ok)
	}

	if _, ok := BlockIndexForBegin(2*MaxBlockLength, 2*MaxBlockLength); ok {
		t.Fatalf("BlockIndexForBegin at piece length should be out of range")
	}
}
