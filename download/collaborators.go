package download

import (
	"github.com/briskhold/swarmd/chunk"
	"github.com/briskhold/swarmd/delegator"
)

// PeerID identifies a connection, shared with delegator and choke rather
// than redefined.
type PeerID = delegator.PeerID

// PeerInfo is a candidate or connected remote endpoint: an address plus
// the bookkeeping receiveConnectPeers and the tracker collaborator need.
// Mirrors the teacher's PeerInfo (address/port/options) without the
// DHT/PEX source-tagging fields spec.md places out of scope.
type PeerInfo struct {
	Addr string
	Port uint16
}

// Tracker is the narrow announce-protocol collaborator (spec.md §6):
// DownloadMain only needs to kick off start/stop and ask for more peers,
// never the HTTP/UDP wire details. Grounded on
// original_source/libtorrent/src/download/download_main.cc's
// m_trackerManager calls.
type Tracker interface {
	// SendStart announces the torrent has begun downloading/seeding.
	SendStart()
	// SendStop announces the torrent is no longer active.
	SendStop()
	// RequestCurrent re-announces to the tracker currently in use.
	// Returns false if there is no current tracker to re-announce to.
	RequestCurrent() bool
	// RequestNext advances to the next tracker in the announce list.
	RequestNext()
}

// Handshaker dials and performs the wire handshake with a candidate
// peer, eventually calling Main.AddConn on success. Kept entirely out
// of download's scope (spec.md §6 places dialing/handshake management
// outside the per-torrent core).
type Handshaker interface {
	StartHandshake(info PeerInfo) error
}

// ExpectedHashes supplies each piece's expected SHA-1 digest, the
// metainfo comparison HashTorrent.OnResult and the hash-check callback
// need. Kept as a narrow collaborator rather than pulling a metainfo
// parser into this module (spec.md §1 Non-goals).
type ExpectedHashes interface {
	ExpectedHash(index chunk.NodeIndex) [20]byte
}
