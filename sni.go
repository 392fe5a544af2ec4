package cfw

import (
	"bufio"
	"errors"
	"fmt"
)

// Errors returned while sniffing the front of a connection.
var (
	// ErrNotTLS means the first bytes of the stream are not a TLS
	// handshake record.
	ErrNotTLS = errors.New("not a TLS handshake")

	// ErrNoSNI means the ClientHello carried no server_name extension.
	ErrNoSNI = errors.New("no SNI in ClientHello")
)

const (
	recordTypeHandshake  = 0x16
	handshakeClientHello = 0x01
	extServerName        = 0
	extALPN              = 16

	// maxClientHello bounds how many bytes we are willing to buffer
	// while waiting for a complete ClientHello. Anything larger is
	// treated as not-TLS garbage.
	maxClientHello = 64 << 10
)

// HelloInfo is what the front-end learns from a ClientHello before any
// handshake completes. The encryption analyzer reuses the cipher list.
type HelloInfo struct {
	Version      uint16
	ServerName   string
	CipherSuites []uint16
	ALPN         []string
}

// PeekClientHello parses the ClientHello at the front of br without
// consuming any bytes, so a later tls.Server handshake still sees the
// full stream. The reader's buffer must be at least maxClientHello bytes.
func PeekClientHello(br *bufio.Reader) (*HelloInfo, error) {
	hdr, err := br.Peek(5)
	if err != nil {
		return nil, fmt.Errorf("peek record header: %w", err)
	}
	if hdr[0] != recordTypeHandshake || hdr[1] != 0x03 {
		return nil, ErrNotTLS
	}

	// Accumulate handshake bytes; a ClientHello may span TLS records.
	var hello []byte
	offset := 0
	for {
		rh, err := br.Peek(offset + 5)
		if err != nil {
			return nil, fmt.Errorf("peek record: %w", err)
		}
		rh = rh[offset:]
		if rh[0] != recordTypeHandshake {
			return nil, ErrNotTLS
		}
		recLen := int(rh[3])<<8 | int(rh[4])
		if recLen <= 0 || offset+5+recLen > maxClientHello {
			return nil, ErrNotTLS
		}
		full, err := br.Peek(offset + 5 + recLen)
		if err != nil {
			return nil, fmt.Errorf("peek record body: %w", err)
		}
		hello = append(hello, full[offset+5:]...)
		offset += 5 + recLen

		if len(hello) < 4 {
			continue
		}
		if hello[0] != handshakeClientHello {
			return nil, ErrNotTLS
		}
		bodyLen := int(hello[1])<<16 | int(hello[2])<<8 | int(hello[3])
		if bodyLen > maxClientHello {
			return nil, ErrNotTLS
		}
		if len(hello) >= 4+bodyLen {
			return parseHelloBody(hello[4 : 4+bodyLen])
		}
	}
}

// ParseClientHello parses a buffer that starts at a TLS record boundary.
// Used on raw captures where no reader is available.
func ParseClientHello(data []byte) (*HelloInfo, error) {
	if len(data) < 5 || data[0] != recordTypeHandshake || data[1] != 0x03 {
		return nil, ErrNotTLS
	}
	var hello []byte
	for len(data) >= 5 && data[0] == recordTypeHandshake {
		recLen := int(data[3])<<8 | int(data[4])
		if recLen <= 0 || 5+recLen > len(data) {
			break
		}
		hello = append(hello, data[5:5+recLen]...)
		data = data[5+recLen:]
	}
	if len(hello) < 4 || hello[0] != handshakeClientHello {
		return nil, ErrNotTLS
	}
	bodyLen := int(hello[1])<<16 | int(hello[2])<<8 | int(hello[3])
	if bodyLen > len(hello)-4 {
		return nil, fmt.Errorf("truncated ClientHello")
	}
	return parseHelloBody(hello[4 : 4+bodyLen])
}

// parseHelloBody walks the ClientHello structure: version, random,
// session id, cipher suites, compression methods, then extensions.
func parseHelloBody(ch []byte) (*HelloInfo, error) {
	info := &HelloInfo{}

	p := 0
	if p+2 > len(ch) {
		return nil, fmt.Errorf("truncated ClientHello")
	}
	info.Version = uint16(ch[p])<<8 | uint16(ch[p+1])
	p += 2
	p += 32 // random
	if p+1 > len(ch) {
		return nil, fmt.Errorf("truncated ClientHello")
	}
	sidLen := int(ch[p])
	p += 1 + sidLen
	if p+2 > len(ch) {
		return nil, fmt.Errorf("truncated ClientHello")
	}
	csLen := int(ch[p])<<8 | int(ch[p+1])
	p += 2
	if p+csLen > len(ch) {
		return nil, fmt.Errorf("truncated ClientHello")
	}
	for i := 0; i+1 < csLen; i += 2 {
		info.CipherSuites = append(info.CipherSuites, uint16(ch[p+i])<<8|uint16(ch[p+i+1]))
	}
	p += csLen
	if p+1 > len(ch) {
		return nil, fmt.Errorf("truncated ClientHello")
	}
	cmLen := int(ch[p])
	p += 1 + cmLen
	if p+2 > len(ch) {
		// No extensions; legal, but then there is no SNI.
		return info, nil
	}
	extLen := int(ch[p])<<8 | int(ch[p+1])
	p += 2
	if extLen == 0 || p+extLen > len(ch) {
		return info, nil
	}
	exts := ch[p : p+extLen]

	q := 0
	for q+4 <= len(exts) {
		et := int(exts[q])<<8 | int(exts[q+1])
		el := int(exts[q+2])<<8 | int(exts[q+3])
		q += 4
		if q+el > len(exts) {
			break
		}
		ed := exts[q : q+el]
		q += el

		switch et {
		case extServerName:
			info.ServerName = parseServerNameExt(ed)
		case extALPN:
			info.ALPN = parseALPNExt(ed)
		}
	}
	return info, nil
}

func parseServerNameExt(ed []byte) string {
	if len(ed) < 2 {
		return ""
	}
	listLen := int(ed[0])<<8 | int(ed[1])
	if 2+listLen > len(ed) || listLen < 3 {
		return ""
	}
	// First entry of type host_name(0) wins.
	r := 2
	if r+3 > 2+listLen {
		return ""
	}
	nameType := ed[r]
	nameLen := int(ed[r+1])<<8 | int(ed[r+2])
	r += 3
	if nameType != 0 || nameLen == 0 || r+nameLen > 2+listLen {
		return ""
	}
	return string(ed[r : r+nameLen])
}

func parseALPNExt(ed []byte) []string {
	if len(ed) < 2 {
		return nil
	}
	l := int(ed[0])<<8 | int(ed[1])
	if 2+l > len(ed) {
		return nil
	}
	var protos []string
	r := 2
	for r < 2+l {
		pl := int(ed[r])
		r++
		if pl == 0 || r+pl > 2+l {
			break
		}
		protos = append(protos, string(ed[r:r+pl]))
		r += pl
	}
	return protos
}
