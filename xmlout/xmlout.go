// Copyright 2024 The nxcore authors. All rights reserved.
// Use of this source code is governed by an Apache v2 license
// license that can be found in the LICENSE file.

// Package xmlout emits the authoring-tool XML sidecar each extracted
// subcontainer produces, per spec.md §1 and §6 ("Output: authoring-tool
// XML"). The spec scopes full schema fidelity out, so this is a
// minimal, schema-stable envelope: a root element per subcontainer
// kind carrying the signed-structure metadata an authoring tool would
// otherwise derive by re-parsing the binary, sufficient to identify
// and round-trip a dump without reproducing the authoring tool's own
// schema.
package xmlout

import (
	"encoding/hex"
	"encoding/xml"
	"io"

	"github.com/cartdump/nxcore/cert"
	"github.com/cartdump/nxcore/nxerr"
)

const component = "xmlout"

// Kind names the subcontainer the envelope describes.
type Kind string

const (
	KindGamecard   Kind = "Card"
	KindPackage    Kind = "NintendoSubmissionPackage"
	KindContent    Kind = "ContentMeta"
	KindFilesystem Kind = "Filesystem"
)

type signatureXML struct {
	Type      string `xml:"Type"`
	Signature string `xml:"Signature"`
	Issuer    string `xml:"Issuer,omitempty"`
}

type envelope struct {
	XMLName   xml.Name      `xml:""`
	TitleID   string        `xml:"TitleId,omitempty"`
	Signature *signatureXML `xml:"Signature,omitempty"`
	Entries   []entryXML    `xml:"ContentEntry,omitempty"`
}

type entryXML struct {
	Name string `xml:"Name"`
	Size int64  `xml:"Size"`
	Hash string `xml:"Hash,omitempty"`
}

// Entry is one content/file row the envelope lists (a PFS/HFS entry, a
// ROMFS file, or an installed content id) — generic across subcontainer
// kinds, matching §6's "per extracted subcontainer" wording.
type Entry struct {
	Name string
	Size int64
	Hash []byte // optional, e.g. a SHA-256 digest already computed elsewhere
}

// Document describes one subcontainer for Write to render.
type Document struct {
	Kind    Kind
	TitleID uint64 // 0 when not meaningful (e.g. a raw filesystem dump)
	Signed  *cert.SignedStructure
	Issuer  string // the signed structure's issuer field, if verified
	Entries []Entry
}

// Write renders doc as an indented XML document to w: the minimal
// envelope described in the package doc, not the authoring tool's full
// schema.
func Write(w io.Writer, doc Document) error {
	env := envelope{XMLName: xml.Name{Local: string(doc.Kind)}}
	if doc.TitleID != 0 {
		env.TitleID = hex.EncodeToString(uint64ToBytes(doc.TitleID))
	}
	if doc.Signed != nil {
		env.Signature = &signatureXML{
			Type:      signatureTypeName(doc.Signed.SigType),
			Signature: hex.EncodeToString(doc.Signed.Sig),
			Issuer:    doc.Issuer,
		}
	}
	for _, e := range doc.Entries {
		row := entryXML{Name: e.Name, Size: e.Size}
		if len(e.Hash) > 0 {
			row.Hash = hex.EncodeToString(e.Hash)
		}
		env.Entries = append(env.Entries, row)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(env); err != nil {
		return nxerr.New(component, nxerr.KindIoError, err)
	}
	return nil
}

func signatureTypeName(t cert.SignatureType) string {
	switch t {
	case cert.SigTypeRSA4096SHA1:
		return "Rsa4096Sha1"
	case cert.SigTypeRSA2048SHA1:
		return "Rsa2048Sha1"
	case cert.SigTypeECDSASHA1:
		return "EcdsaSha1"
	case cert.SigTypeRSA4096SHA256:
		return "Rsa4096Sha256"
	case cert.SigTypeRSA2048SHA256:
		return "Rsa2048Sha256"
	case cert.SigTypeECDSASHA256:
		return "EcdsaSha256"
	default:
		return "Unknown"
	}
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
