package voice

import "errors"

var (
	// ErrConfig is returned by [New] when a required field is missing.
	ErrConfig = errors.New("voice: invalid configuration")

	// ErrHandshakeTimeout fails a join whose gateway events or transport did
	// not complete within the handshake timeout.
	ErrHandshakeTimeout = errors.New("voice: handshake timed out")

	// ErrHandshakeRejected fails a join when the gateway reports a null
	// channel before the handshake completed.
	ErrHandshakeRejected = errors.New("voice: handshake rejected by gateway")

	// ErrTransportEstablish fails a join when the voice socket could not be
	// opened.
	ErrTransportEstablish = errors.New("voice: transport establishment failed")

	// ErrJoinSuperseded fails a pending join that was replaced by a join to
	// a different channel.
	ErrJoinSuperseded = errors.New("voice: join superseded")

	// ErrCallExists is returned by [Manager.CreateCall] for a guild that
	// already has a call.
	ErrCallExists = errors.New("voice: call already exists for guild")

	// ErrCallClosed is returned for operations on a call that has left,
	// failed, or whose manager was closed.
	ErrCallClosed = errors.New("voice: call closed")

	// ErrNotConnected is returned by [Call.Play] before the call is
	// connected.
	ErrNotConnected = errors.New("voice: call not connected")

	// ErrNotSeekable is returned by [TrackHandle.Seek] for inputs that can
	// only be read once.
	ErrNotSeekable = errors.New("voice: track not seekable")

	// ErrTrackNotReady is returned by [TrackHandle.Seek] while the track is
	// still loading.
	ErrTrackNotReady = errors.New("voice: track not ready")

	// ErrTrackEnded is returned by controls on a track that has ended or
	// errored.
	ErrTrackEnded = errors.New("voice: track ended")

	// ErrInvalidVolume is returned by [TrackHandle.SetVolume] for negative
	// or non-finite values.
	ErrInvalidVolume = errors.New("voice: invalid volume")
)
