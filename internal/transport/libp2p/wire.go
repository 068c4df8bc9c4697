package libp2pt

import "lokinet-path/internal/circuit"

// recordFrameWire/lrcmWire/relayFrameWire/relayBatchWire are JSON-safe
// mirrors of circuit's wire types — fixed-size arrays survive JSON fine,
// but keeping the conversion explicit avoids leaking circuit's package
// guarantees into the encoding and makes the wire shape independent of
// internal field ordering.
type recordFrameWire struct {
	CommitPub [32]byte
	Nonce     [32]byte
	Cipher    []byte
}

type lrcmWire struct {
	Frames [circuit.MaxHops]recordFrameWire
}

func fromLRCM(m circuit.LRCM) lrcmWire {
	var w lrcmWire
	for i, f := range m.Frames {
		w.Frames[i] = recordFrameWire{CommitPub: f.CommitPub, Nonce: f.Nonce, Cipher: f.Cipher}
	}
	return w
}

func (w lrcmWire) toLRCM() circuit.LRCM {
	var m circuit.LRCM
	for i, f := range w.Frames {
		m.Frames[i] = circuit.RecordFrame{CommitPub: f.CommitPub, Nonce: f.Nonce, Cipher: f.Cipher}
	}
	return m
}

type relayFrameWire struct {
	RXID   [16]byte
	Nonce  [32]byte
	Cipher []byte
}

type relayBatchWire struct {
	Frames []relayFrameWire
}

func fromFrames(frames []circuit.RelayFrame) relayBatchWire {
	w := relayBatchWire{Frames: make([]relayFrameWire, len(frames))}
	for i, f := range frames {
		w.Frames[i] = relayFrameWire{RXID: f.RXID, Nonce: f.Nonce, Cipher: f.Cipher}
	}
	return w
}

func (w relayBatchWire) toFrames() []circuit.RelayFrame {
	out := make([]circuit.RelayFrame, len(w.Frames))
	for i, f := range w.Frames {
		out[i] = circuit.RelayFrame{RXID: f.RXID, Nonce: f.Nonce, Cipher: f.Cipher}
	}
	return out
}
