package arc

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sealer and its helpers exist only to build known-good ARC-sealed fixtures
// for the verification tests in this package: the gateway itself only ever
// validates an inbound ARC chain, it never adds its own seal, so nothing
// here is reachable from production code.

// Sealer adds an ARC set to a message for a test fixture.
type Sealer struct {
	Domain                 string
	Selector               string
	PrivateKey             crypto.Signer
	Headers                []string
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization

	// Clock is used for the seal and signature timestamps. If nil, time.Now is used.
	Clock func() time.Time
}

// SealResult holds the three ARC headers produced by a seal, each as a
// complete header line ready to prepend to the message.
type SealResult struct {
	Instance              int
	AuthenticationResults string
	MessageSignature      string
	Seal                  string
}

func (s *Sealer) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Sealer) getAlgorithm() (Algorithm, string, error) {
	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		return AlgRSASHA256, "sha256", nil
	case ed25519.PrivateKey:
		return AlgEd25519SHA256, "sha256", nil
	default:
		return "", "", fmt.Errorf("%w: %T", ErrAlgorithmUnknown, s.PrivateKey)
	}
}

// Seal parses message, adds the next ARC set, and returns the three
// headers to prepend to it.
func (s *Sealer) Seal(message []byte, authServID, authResults string, chainValidation ChainValidationStatus) (*SealResult, error) {
	br := bufio.NewReader(bytes.NewReader(message))
	headers, bodyOffset, err := parseHeaders(br)
	if err != nil {
		return nil, fmt.Errorf("parsing message headers: %w", err)
	}
	body := message[bodyOffset:]

	existing, err := extractARCSets(headers)
	if err != nil && !errors.Is(err, ErrNoARCHeaders) {
		return nil, fmt.Errorf("extracting existing ARC sets: %w", err)
	}

	instance := len(existing) + 1
	if instance > MaxInstance {
		return nil, ErrInstanceTooHigh
	}

	if instance == 1 && chainValidation != ChainValidationNone {
		return nil, fmt.Errorf("%w: first ARC set must use cv=none", ErrChainValidationMismatch)
	}
	if instance > 1 && chainValidation == ChainValidationNone {
		return nil, fmt.Errorf("%w: subsequent ARC set must not use cv=none", ErrChainValidationMismatch)
	}

	alg, hashAlg, err := s.getAlgorithm()
	if err != nil {
		return nil, err
	}
	hashFunc, ok := getHash(hashAlg)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHashUnknown, hashAlg)
	}

	now := s.now().Unix()

	aar := &AuthenticationResults{
		Instance:   instance,
		AuthServID: authServID,
		Results:    authResults,
	}
	aarLine := aar.sealHeaderLine()
	aarData := headerData{raw: []byte(aarLine), lkey: "arc-authentication-results"}

	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonRelaxed
	}

	signedHeaders := s.Headers
	if len(signedHeaders) == 0 {
		signedHeaders = DefaultSignedHeaders
	}
	hasFrom := false
	for _, h := range signedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		signedHeaders = append([]string{"From"}, signedHeaders...)
	}

	ms := &MessageSignature{
		Instance:      instance,
		Version:       1,
		Algorithm:     string(alg),
		Domain:        s.Domain,
		Selector:      s.Selector,
		SignedHeaders: signedHeaders,
		Canonicalization: string(headerCanon) + "/" + string(bodyCanon),
		Timestamp:     now,
		Length:        -1,
		Expiration:    -1,
	}

	bodyHash, err := computeBodyHash(hashFunc.New(), bodyCanon, bytes.NewReader(body), -1)
	if err != nil {
		return nil, fmt.Errorf("computing body hash: %w", err)
	}
	ms.BodyHash = bodyHash

	amsEmpty := []byte(ms.sealHeaderLine(false))
	dataHash, err := computeAMSDataHash(hashFunc.New(), headerCanon, headers, ms.SignedHeaders, amsEmpty)
	if err != nil {
		return nil, fmt.Errorf("computing AMS data hash: %w", err)
	}
	ms.Signature, err = signWithKey(s.PrivateKey, hashFunc, dataHash)
	if err != nil {
		return nil, fmt.Errorf("signing AMS: %w", err)
	}
	amsLine := ms.sealHeaderLine(true)
	amsData := headerData{raw: []byte(amsLine), lkey: "arc-message-signature"}

	seal := &Seal{
		Instance:        instance,
		Version:         1,
		Algorithm:       string(alg),
		Domain:          s.Domain,
		Selector:        s.Selector,
		ChainValidation: chainValidation,
		Timestamp:       now,
	}

	combinedHeaders := make([]headerData, len(headers), len(headers)+3)
	copy(combinedHeaders, headers)
	combinedHeaders = append(combinedHeaders, aarData, amsData,
		headerData{raw: []byte(seal.sealHeaderLine(false)), lkey: "arc-seal"})

	newSets := make([]*Set, instance)
	sealDataHash, err := computeSealDataHash(hashFunc.New(), newSets, combinedHeaders)
	if err != nil {
		return nil, fmt.Errorf("computing seal data hash: %w", err)
	}
	seal.Signature, err = signWithKey(s.PrivateKey, hashFunc, sealDataHash)
	if err != nil {
		return nil, fmt.Errorf("signing seal: %w", err)
	}

	return &SealResult{
		Instance:              instance,
		AuthenticationResults: strings.TrimRight(aarLine, "\r\n"),
		MessageSignature:      strings.TrimRight(amsLine, "\r\n"),
		Seal:                  strings.TrimRight(seal.sealHeaderLine(true), "\r\n"),
	}, nil
}

// sealHeaderLine renders the ARC-Authentication-Results header for a fixture.
func (aar *AuthenticationResults) sealHeaderLine() string {
	var b strings.Builder
	b.WriteString("ARC-Authentication-Results: i=")
	b.WriteString(strconv.Itoa(aar.Instance))
	b.WriteString("; ")
	b.WriteString(aar.AuthServID)
	if aar.Results != "" {
		b.WriteString(";\r\n\t")
		b.WriteString(aar.Results)
	}
	b.WriteString("\r\n")
	return b.String()
}

// sealHeaderLine renders the ARC-Message-Signature header for a fixture.
// includeSignature controls whether b= carries the real signature or is
// left empty for the pre-signing hash computation.
func (ms *MessageSignature) sealHeaderLine(includeSignature bool) string {
	w := &arcHeaderWriter{}

	w.add("", "ARC-Message-Signature: i="+strconv.Itoa(ms.Instance)+";")
	w.add(" ", "a="+ms.Algorithm+";")

	if ms.Canonicalization != "" {
		w.add(" ", "c="+ms.Canonicalization+";")
	}

	w.add(" ", "d="+ms.Domain+";")
	w.add(" ", "s="+ms.Selector+";")

	if ms.Timestamp >= 0 {
		w.add(" ", "t="+strconv.FormatInt(ms.Timestamp, 10)+";")
	}
	if ms.Expiration >= 0 {
		w.add(" ", "x="+strconv.FormatInt(ms.Expiration, 10)+";")
	}
	if ms.Length >= 0 {
		w.add(" ", "l="+strconv.FormatInt(ms.Length, 10)+";")
	}

	if len(ms.SignedHeaders) > 0 {
		for i, h := range ms.SignedHeaders {
			sep := ""
			if i == 0 {
				h = "h=" + h
				sep = " "
			}
			if i < len(ms.SignedHeaders)-1 {
				h += ":"
			} else {
				h += ";"
			}
			w.add(sep, h)
		}
	}

	w.add(" ", "bh=")
	w.addWrap([]byte(base64.StdEncoding.EncodeToString(ms.BodyHash)))
	w.add("", ";")

	w.add(" ", "b=")
	if includeSignature && len(ms.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(ms.Signature)))
	}

	return w.String() + "\r\n"
}

// sealHeaderLine renders the ARC-Seal header for a fixture.
func (s *Seal) sealHeaderLine(includeSignature bool) string {
	w := &arcHeaderWriter{}

	w.add("", "ARC-Seal: i="+strconv.Itoa(s.Instance)+";")
	w.add(" ", "a="+s.Algorithm+";")
	w.add(" ", "cv="+string(s.ChainValidation)+";")
	w.add(" ", "d="+s.Domain+";")
	w.add(" ", "s="+s.Selector+";")

	if s.Timestamp >= 0 {
		w.add(" ", "t="+strconv.FormatInt(s.Timestamp, 10)+";")
	}

	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}

	return w.String() + "\r\n"
}

// arcHeaderWriter folds a header across lines per RFC 5322.
type arcHeaderWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

func (w *arcHeaderWriter) add(sep, text string) {
	const maxLen = 76

	n := len(text)
	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+n > maxLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

func (w *arcHeaderWriter) addWrap(data []byte) {
	const maxLen = 76

	for len(data) > 0 {
		n := maxLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxLen - 1
		}
		if n > len(data) {
			n = len(data)
		}
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

func (w *arcHeaderWriter) String() string {
	return w.b.String()
}

// signWithKey signs data with the given private key, mirroring the
// verification-side algorithm dispatch in verify.go.
func signWithKey(key crypto.Signer, hash crypto.Hash, data []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.Sign(rand.Reader, data, hash)
	case ed25519.PrivateKey:
		return k.Sign(rand.Reader, data, crypto.Hash(0))
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, k, data)
	default:
		return nil, ErrAlgorithmUnknown
	}
}
