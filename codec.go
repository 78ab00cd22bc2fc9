package medfed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// CodecConfig configures the CKKS scheme used for the sensitive-layer
// (classifier head) parameters. The defaults give ~128-bit security with one
// multiplicative level, enough for a weighted sum of scalar-multiplied
// ciphertexts.
type CodecConfig struct {
	LogN     int   `json:"log_n" yaml:"log_n"`
	LogQ     []int `json:"log_q" yaml:"log_q"`
	LogP     []int `json:"log_p" yaml:"log_p"`
	LogScale int   `json:"log_scale" yaml:"log_scale"`
}

// DefaultCodecConfig returns the default CKKS parameters.
func DefaultCodecConfig() CodecConfig {
	return CodecConfig{
		LogN:     13,
		LogQ:     []int{60, 40, 40},
		LogP:     []int{60},
		LogScale: 40,
	}
}

func (c *CodecConfig) backfill() {
	def := DefaultCodecConfig()
	if c.LogN == 0 {
		c.LogN = def.LogN
	}
	if len(c.LogQ) == 0 {
		c.LogQ = def.LogQ
	}
	if len(c.LogP) == 0 {
		c.LogP = def.LogP
	}
	if c.LogScale == 0 {
		c.LogScale = def.LogScale
	}
}

// EncryptedVector holds a real-valued vector encrypted under CKKS, chunked
// across ciphertexts when it exceeds the per-ciphertext slot capacity.
type EncryptedVector struct {
	Chunks []*rlwe.Ciphertext
	Length int
}

// Codec selectively encrypts the classifier-head parameters. A coordinator
// codec holds the secret key and can decrypt; a participant codec built from
// the public key alone can only encrypt and combine.
type Codec struct {
	params ckks.Parameters
	ecd    *ckks.Encoder
	enc    *rlwe.Encryptor
	dec    *rlwe.Decryptor
	eval   *ckks.Evaluator
	sk     *rlwe.SecretKey
	pk     *rlwe.PublicKey

	overheadNs atomic.Int64
}

// NewCodec creates a coordinator-side codec with a fresh keypair.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	cfg.backfill()
	params, err := newCKKSParams(cfg)
	if err != nil {
		return nil, err
	}
	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	return &Codec{
		params: params,
		ecd:    ckks.NewEncoder(params),
		enc:    rlwe.NewEncryptor(params, pk),
		dec:    rlwe.NewDecryptor(params, sk),
		eval:   ckks.NewEvaluator(params, nil),
		sk:     sk,
		pk:     pk,
	}, nil
}

// NewPublicCodec creates a participant-side codec from a public key. It can
// encrypt and combine but never decrypt.
func NewPublicCodec(cfg CodecConfig, pk *rlwe.PublicKey) (*Codec, error) {
	cfg.backfill()
	params, err := newCKKSParams(cfg)
	if err != nil {
		return nil, err
	}
	return &Codec{
		params: params,
		ecd:    ckks.NewEncoder(params),
		enc:    rlwe.NewEncryptor(params, pk),
		eval:   ckks.NewEvaluator(params, nil),
		pk:     pk,
	}, nil
}

// NewCodecFromSecretKey rebuilds a coordinator codec around a stored secret
// key, e.g. one recovered from a KeyVault.
func NewCodecFromSecretKey(cfg CodecConfig, sk *rlwe.SecretKey) (*Codec, error) {
	cfg.backfill()
	params, err := newCKKSParams(cfg)
	if err != nil {
		return nil, err
	}
	kgen := rlwe.NewKeyGenerator(params)
	pk := kgen.GenPublicKeyNew(sk)
	return &Codec{
		params: params,
		ecd:    ckks.NewEncoder(params),
		enc:    rlwe.NewEncryptor(params, pk),
		dec:    rlwe.NewDecryptor(params, sk),
		eval:   ckks.NewEvaluator(params, nil),
		sk:     sk,
		pk:     pk,
	}, nil
}

func newCKKSParams(cfg CodecConfig) (ckks.Parameters, error) {
	params, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            cfg.LogN,
		LogQ:            cfg.LogQ,
		LogP:            cfg.LogP,
		LogDefaultScale: cfg.LogScale,
	})
	if err != nil {
		return ckks.Parameters{}, &EncryptionError{Op: "parameters", Err: err}
	}
	return params, nil
}

// PublicKey returns the encryption key shared with participants.
func (c *Codec) PublicKey() *rlwe.PublicKey { return c.pk }

// SecretKey returns the decryption key, or nil for a public-only codec. It
// exists so the key can be sealed into a KeyVault; it must never cross the
// monitoring boundary.
func (c *Codec) SecretKey() *rlwe.SecretKey { return c.sk }

// Slots returns the per-ciphertext slot capacity.
func (c *Codec) Slots() int { return c.params.MaxSlots() }

// Encrypt encrypts a real-valued vector, chunking transparently when it
// exceeds the slot capacity.
func (c *Codec) Encrypt(vec []float64) (*EncryptedVector, error) {
	if len(vec) == 0 {
		return nil, &EncryptionError{Op: "encrypt", Err: errors.New("empty vector")}
	}
	defer c.track(time.Now())

	slots := c.params.MaxSlots()
	chunks := make([]*rlwe.Ciphertext, 0, (len(vec)+slots-1)/slots)
	for start := 0; start < len(vec); start += slots {
		end := start + slots
		if end > len(vec) {
			end = len(vec)
		}
		pt := ckks.NewPlaintext(c.params, c.params.MaxLevel())
		if err := c.ecd.Encode(vec[start:end], pt); err != nil {
			return nil, &EncryptionError{Op: "encode", Err: err}
		}
		ct, err := c.enc.EncryptNew(pt)
		if err != nil {
			return nil, &EncryptionError{Op: "encrypt", Err: err}
		}
		chunks = append(chunks, ct)
	}
	return &EncryptedVector{Chunks: chunks, Length: len(vec)}, nil
}

// Decrypt recovers the plaintext vector. Only a coordinator codec holding the
// secret key may call it.
func (c *Codec) Decrypt(ev *EncryptedVector) ([]float64, error) {
	if c.dec == nil {
		return nil, &EncryptionError{Op: "decrypt", Err: ErrNoSecretKey}
	}
	if err := checkVector(ev, c.params.MaxSlots()); err != nil {
		return nil, err
	}
	defer c.track(time.Now())

	slots := c.params.MaxSlots()
	out := make([]float64, 0, ev.Length)
	buf := make([]float64, slots)
	for i, ct := range ev.Chunks {
		pt := c.dec.DecryptNew(ct)
		if err := c.ecd.Decode(pt, buf); err != nil {
			return nil, &EncryptionError{Op: "decode", Err: err}
		}
		remain := ev.Length - i*slots
		if remain > slots {
			remain = slots
		}
		out = append(out, buf[:remain]...)
	}
	return out, nil
}

// WeightedSum combines encrypted vectors into one encrypted weighted average
// without decrypting any individual contribution. Weights are renormalized to
// sum to one.
func (c *Codec) WeightedSum(evs []*EncryptedVector, weights []float64) (*EncryptedVector, error) {
	if len(evs) == 0 {
		return nil, &EncryptionError{Op: "weighted sum", Err: errors.New("no ciphertexts")}
	}
	if len(evs) != len(weights) {
		return nil, &EncryptionError{Op: "weighted sum", Err: errors.New("weights length mismatch")}
	}
	slots := c.params.MaxSlots()
	first := evs[0]
	if err := checkVector(first, slots); err != nil {
		return nil, err
	}
	total := 0.0
	for i, ev := range evs {
		if err := checkVector(ev, slots); err != nil {
			return nil, err
		}
		if ev.Length != first.Length || len(ev.Chunks) != len(first.Chunks) {
			return nil, &EncryptionError{Op: "weighted sum",
				Err: fmt.Errorf("size mismatch: ciphertext %d has length %d, want %d", i, ev.Length, first.Length)}
		}
		if weights[i] < 0 || math.IsNaN(weights[i]) || math.IsInf(weights[i], 0) {
			return nil, &EncryptionError{Op: "weighted sum", Err: fmt.Errorf("invalid weight %v", weights[i])}
		}
		total += weights[i]
	}
	if total <= 0 {
		return nil, &EncryptionError{Op: "weighted sum", Err: errors.New("weights sum to zero")}
	}

	out := &EncryptedVector{Chunks: make([]*rlwe.Ciphertext, len(first.Chunks)), Length: first.Length}
	for ci := range first.Chunks {
		var acc *rlwe.Ciphertext
		for pi, ev := range evs {
			scaled, err := c.eval.MulNew(ev.Chunks[ci], weights[pi]/total)
			if err != nil {
				return nil, &EncryptionError{Op: "weighted sum", Err: err}
			}
			if acc == nil {
				acc = scaled
				continue
			}
			if err := c.eval.Add(acc, scaled, acc); err != nil {
				return nil, &EncryptionError{Op: "weighted sum", Err: err}
			}
		}
		out.Chunks[ci] = acc
	}
	return out, nil
}

// OverheadMs returns the cumulative encrypt/decrypt wall time in
// milliseconds since the last reset.
func (c *Codec) OverheadMs() int64 {
	return c.overheadNs.Load() / int64(time.Millisecond)
}

// ResetOverhead zeroes the overhead counter; the engine calls it at the
// start of each round's aggregation.
func (c *Codec) ResetOverhead() { c.overheadNs.Store(0) }

func (c *Codec) track(start time.Time) {
	c.overheadNs.Add(int64(time.Since(start)))
}

func checkVector(ev *EncryptedVector, slots int) error {
	if ev == nil || len(ev.Chunks) == 0 || ev.Length <= 0 {
		return &EncryptionError{Op: "validate", Err: errors.New("empty encrypted vector")}
	}
	want := (ev.Length + slots - 1) / slots
	if len(ev.Chunks) != want {
		return &EncryptionError{Op: "validate",
			Err: fmt.Errorf("chunk count %d inconsistent with length %d", len(ev.Chunks), ev.Length)}
	}
	for i, ct := range ev.Chunks {
		if ct == nil {
			return &EncryptionError{Op: "validate", Err: fmt.Errorf("nil ciphertext chunk %d", i)}
		}
	}
	return nil
}

// Blob wire format: a small header followed by length-prefixed,
// snappy-compressed ciphertext chunks.
//
//	uint32 magic | uint32 vector length | uint32 chunk count
//	per chunk: uint32 compressed size | snappy block
const blobMagic = 0x6d666856 // "mfhV"

// EncodeBlob serializes an EncryptedVector for transport or storage.
func (c *Codec) EncodeBlob(ev *EncryptedVector) ([]byte, error) {
	if err := checkVector(ev, c.params.MaxSlots()); err != nil {
		return nil, err
	}
	var out []byte
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], blobMagic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(ev.Length))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(ev.Chunks)))
	out = append(out, hdr[:]...)

	var size [4]byte
	for _, ct := range ev.Chunks {
		raw, err := ct.MarshalBinary()
		if err != nil {
			return nil, &EncryptionError{Op: "marshal", Err: err}
		}
		comp := snappy.Encode(nil, raw)
		binary.BigEndian.PutUint32(size[:], uint32(len(comp)))
		out = append(out, size[:]...)
		out = append(out, comp...)
	}
	return out, nil
}

// DecodeBlob parses a blob produced by EncodeBlob. Malformed input fails with
// an EncryptionError; there is no plaintext fallback.
func (c *Codec) DecodeBlob(blob []byte) (*EncryptedVector, error) {
	if len(blob) < 12 {
		return nil, &EncryptionError{Op: "decode blob", Err: errors.New("truncated header")}
	}
	if binary.BigEndian.Uint32(blob[0:4]) != blobMagic {
		return nil, &EncryptionError{Op: "decode blob", Err: errors.New("bad magic")}
	}
	length := int(binary.BigEndian.Uint32(blob[4:8]))
	count := int(binary.BigEndian.Uint32(blob[8:12]))
	if length <= 0 || count <= 0 || count > 1<<20 {
		return nil, &EncryptionError{Op: "decode blob", Err: errors.New("implausible header")}
	}

	ev := &EncryptedVector{Chunks: make([]*rlwe.Ciphertext, 0, count), Length: length}
	rest := blob[12:]
	for i := 0; i < count; i++ {
		if len(rest) < 4 {
			return nil, &EncryptionError{Op: "decode blob", Err: fmt.Errorf("truncated chunk %d", i)}
		}
		n := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if n <= 0 || n > len(rest) {
			return nil, &EncryptionError{Op: "decode blob", Err: fmt.Errorf("truncated chunk %d", i)}
		}
		raw, err := snappy.Decode(nil, rest[:n])
		if err != nil {
			return nil, &EncryptionError{Op: "decompress", Err: err}
		}
		ct := new(rlwe.Ciphertext)
		if err := ct.UnmarshalBinary(raw); err != nil {
			return nil, &EncryptionError{Op: "unmarshal", Err: err}
		}
		ev.Chunks = append(ev.Chunks, ct)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, &EncryptionError{Op: "decode blob", Err: errors.New("trailing bytes")}
	}
	if err := checkVector(ev, c.params.MaxSlots()); err != nil {
		return nil, err
	}
	return ev, nil
}
