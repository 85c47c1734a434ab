// Copyright 2024 The nodemesh Authors
// This file is part of the nodemesh library.
//
// The nodemesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodemesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodemesh library. If not, see <http://www.gnu.org/licenses/>.

// Package dnsdisc implements the DNS discovery tree: a signed merkle tree of peer
// endpoints stored in DNS TXT records.
package dnsdisc

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
	"google.golang.org/protobuf/encoding/protowire"
)

// Tree is a merkle tree of endpoint lists and links to other trees.
type Tree struct {
	root    *rootEntry
	entries map[string]entry
}

const (
	hashAbbrev    = 16
	hashLength    = 26 // base32 length of hashAbbrev bytes
	maxChildren   = 370 / (hashLength + 1)
	minHashLength = 12
	sigLength     = 65

	rootPrefix   = "tree-root-v1:"
	branchPrefix = "tree-branch:"
	nodesPrefix  = "nodes:"
	linkPrefix   = "tree://"
)

// MakeTree creates a signed tree. Entries are encoded endpoint lists as returned
// by Merge, links are tree URLs. The result does not depend on the order of
// entries and links.
func MakeTree(seq int64, entries []string, links []string, key *btcec.PrivateKey) (*Tree, error) {
	if key == nil {
		return nil, errNoPubkey
	}
	leaves := make([]entry, 0, len(entries))
	for _, e := range sortedCopy(entries) {
		ne, err := parseNodes(e)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, ne)
	}
	linkEntries := make([]entry, 0, len(links))
	for _, l := range sortedCopy(links) {
		le, err := parseURL(l)
		if err != nil {
			return nil, err
		}
		linkEntries = append(linkEntries, le)
	}

	t := &Tree{entries: make(map[string]entry)}
	eroot := t.build(leaves)
	t.entries[subdomain(eroot)] = eroot
	lroot := t.build(linkEntries)
	t.entries[subdomain(lroot)] = lroot
	t.root = &rootEntry{eroot: subdomain(eroot), lroot: subdomain(lroot), seq: seq}
	if err := t.root.sign(key); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) build(entries []entry) entry {
	if len(entries) == 1 {
		return entries[0]
	}
	if len(entries) <= maxChildren {
		hashes := make([]string, len(entries))
		for i, e := range entries {
			hashes[i] = subdomain(e)
			t.entries[hashes[i]] = e
		}
		return &branchEntry{hashes}
	}
	var subtrees []entry
	for len(entries) > 0 {
		n := maxChildren
		if len(entries) < n {
			n = len(entries)
		}
		sub := t.build(entries[:n])
		entries = entries[n:]
		subtrees = append(subtrees, sub)
		t.entries[subdomain(sub)] = sub
	}
	return t.build(subtrees)
}

func sortedCopy(s []string) []string {
	c := make([]string, len(s))
	copy(c, s)
	sort.Strings(c)
	return c
}

// Seq returns the sequence number of the tree.
func (t *Tree) Seq() int64 {
	return t.root.seq
}

// Signature returns the root signature in base64.
func (t *Tree) Signature() string {
	return b64format.EncodeToString(t.root.sig)
}

// RootHashes returns the hashes of the endpoint subtree and link subtree roots.
func (t *Tree) RootHashes() (eroot, lroot string) {
	return t.root.eroot, t.root.lroot
}

// ToTXT returns all DNS TXT records required for the tree, keyed by name.
func (t *Tree) ToTXT(domain string) map[string]string {
	records := map[string]string{domain: t.root.String()}
	for _, e := range t.entries {
		sd := subdomain(e)
		if domain != "" {
			sd = sd + "." + domain
		}
		records[sd] = e.String()
	}
	return records
}

// Links returns all links contained in the tree.
func (t *Tree) Links() []string {
	var links []string
	for _, e := range t.entries {
		if le, ok := e.(*linkEntry); ok {
			links = append(links, le.url())
		}
	}
	sort.Strings(links)
	return links
}

// Nodes returns the encoded endpoint lists of all leaves.
func (t *Tree) Nodes() []string {
	var leaves []string
	for _, e := range t.entries {
		if ne, ok := e.(*nodesEntry); ok {
			leaves = append(leaves, ne.enc)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// DnsNodes returns all endpoints contained in the tree in merge order.
func (t *Tree) DnsNodes() []*DnsNode {
	var nodes []*DnsNode
	for _, e := range t.entries {
		if ne, ok := e.(*nodesEntry); ok {
			nodes = append(nodes, ne.nodes...)
		}
	}
	sortDnsNodes(nodes)
	return nodes
}

// DnsNodesFromTXT extracts the endpoints of all endpoint list records in a zone.
// Records of other types are ignored.
func DnsNodesFromTXT(records map[string]string) []*DnsNode {
	var nodes []*DnsNode
	for _, txt := range records {
		if !strings.HasPrefix(txt, nodesPrefix) {
			continue
		}
		ne, err := parseNodes(txt[len(nodesPrefix):])
		if err != nil {
			continue
		}
		nodes = append(nodes, ne.nodes...)
	}
	sortDnsNodes(nodes)
	return nodes
}

// Entry types

type entry interface {
	fmt.Stringer
}

type (
	rootEntry struct {
		eroot string
		lroot string
		seq   int64
		sig   []byte
	}
	branchEntry struct {
		children []string
	}
	nodesEntry struct {
		enc   string
		nodes []*DnsNode
	}
	linkEntry struct {
		str    string
		domain string
		pubkey *btcec.PublicKey
	}
)

// Entry encoding

var (
	b32format = base32.StdEncoding.WithPadding(base32.NoPadding)
	b64format = base64.RawURLEncoding
)

func subdomain(e entry) string {
	return hashText(e.String())
}

func hashText(s string) string {
	h := sha3.NewLegacyKeccak256()
	io.WriteString(h, s)
	return b32format.EncodeToString(h.Sum(nil)[:hashAbbrev])
}

func keccak256(b []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return h.Sum(nil)
}

// Protobuf field numbers of the root record.
const (
	fieldTreeRoot  protowire.Number = 1
	fieldSignature protowire.Number = 2

	fieldERoot protowire.Number = 1
	fieldLRoot protowire.Number = 2
	fieldSeq   protowire.Number = 3
)

// treeRoot encodes the signed part of the root record.
func (e *rootEntry) treeRoot() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldERoot, protowire.BytesType)
	b = protowire.AppendString(b, e.eroot)
	b = protowire.AppendTag(b, fieldLRoot, protowire.BytesType)
	b = protowire.AppendString(b, e.lroot)
	if e.seq != 0 {
		b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.seq))
	}
	return b
}

func (e *rootEntry) String() string {
	var b []byte
	b = protowire.AppendTag(b, fieldTreeRoot, protowire.BytesType)
	b = protowire.AppendBytes(b, e.treeRoot())
	b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, e.sig)
	return rootPrefix + b64format.EncodeToString(b)
}

// sign sets the [R || S || V] signature of the root.
func (e *rootEntry) sign(key *btcec.PrivateKey) error {
	compact, err := ecdsa.SignCompact(key, keccak256(e.treeRoot()), false)
	if err != nil {
		return err
	}
	// SignCompact returns [27 + V || R || S].
	sig := make([]byte, sigLength)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 27
	e.sig = sig
	return nil
}

func (e *rootEntry) verifySignature(pubkey *btcec.PublicKey) bool {
	if len(e.sig) != sigLength || e.sig[64] > 3 {
		return false
	}
	compact := make([]byte, sigLength)
	compact[0] = e.sig[64] + 27
	copy(compact[1:], e.sig[:64])
	recovered, _, err := ecdsa.RecoverCompact(compact, keccak256(e.treeRoot()))
	if err != nil {
		return false
	}
	return recovered.IsEqual(pubkey)
}

func (e *branchEntry) String() string {
	return branchPrefix + strings.Join(e.children, ",")
}

func (e *nodesEntry) String() string {
	return nodesPrefix + e.enc
}

func (e *linkEntry) String() string {
	return e.url()
}

func (e *linkEntry) url() string {
	return linkPrefix + e.str
}

func newLinkEntry(domain string, pubkey *btcec.PublicKey) *linkEntry {
	str := b32format.EncodeToString(pubkey.SerializeCompressed()) + "@" + domain
	return &linkEntry{str: str, domain: domain, pubkey: pubkey}
}

// Entry parsing

func parseEntry(e string) (entry, error) {
	switch {
	case strings.HasPrefix(e, linkPrefix):
		return parseLink(e[len(linkPrefix):])
	case strings.HasPrefix(e, branchPrefix):
		return parseBranch(e[len(branchPrefix):])
	case strings.HasPrefix(e, nodesPrefix):
		return parseNodes(e[len(nodesPrefix):])
	default:
		return nil, errUnknownEntry
	}
}

func parseRoot(e string) (rootEntry, error) {
	if !strings.HasPrefix(e, rootPrefix) {
		return rootEntry{}, entryError{"root", errSyntax}
	}
	enc, err := b64format.DecodeString(e[len(rootPrefix):])
	if err != nil {
		return rootEntry{}, entryError{"root", errSyntax}
	}
	var root rootEntry
	err = consumeFields(enc, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldTreeRoot && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				return n, root.decodeTreeRoot(v)
			}
			return n, nil
		case num == fieldSignature && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			root.sig = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return rootEntry{}, entryError{"root", errSyntax}
	}
	if !isValidHash(root.eroot) || !isValidHash(root.lroot) {
		return rootEntry{}, entryError{"root", errInvalidChild}
	}
	if len(root.sig) != sigLength {
		return rootEntry{}, entryError{"root", errInvalidSig}
	}
	return root, nil
}

func (e *rootEntry) decodeTreeRoot(enc []byte) error {
	return consumeFields(enc, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldERoot && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.eroot = string(v)
			return n, nil
		case num == fieldLRoot && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.lroot = string(v)
			return n, nil
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.seq = int64(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// consumeFields walks the fields of a protobuf message. The callback consumes the
// value of one field and returns its length.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func parseLink(e string) (*linkEntry, error) {
	pos := strings.IndexByte(e, '@')
	if pos == -1 {
		return nil, entryError{"link", errNoPubkey}
	}
	keystring, domain := e[:pos], e[pos+1:]
	keybytes, err := b32format.DecodeString(keystring)
	if err != nil {
		return nil, entryError{"link", errBadPubkey}
	}
	key, err := btcec.ParsePubKey(keybytes)
	if err != nil {
		return nil, entryError{"link", errBadPubkey}
	}
	return &linkEntry{str: e, domain: domain, pubkey: key}, nil
}

func parseBranch(e string) (entry, error) {
	if e == "" {
		return &branchEntry{}, nil // empty branch is OK
	}
	hashes := make([]string, 0, strings.Count(e, ",")+1)
	for _, c := range strings.Split(e, ",") {
		if !isValidHash(c) {
			return nil, entryError{"branch", errInvalidChild}
		}
		hashes = append(hashes, c)
	}
	return &branchEntry{hashes}, nil
}

func parseNodes(e string) (*nodesEntry, error) {
	enc, err := b64format.DecodeString(e)
	if err != nil {
		return nil, entryError{"nodes", errInvalidNodes}
	}
	nodes, err := decodeDnsNodes(enc)
	if err != nil {
		return nil, entryError{"nodes", err}
	}
	if len(nodes) == 0 {
		return nil, entryError{"nodes", errInvalidNodes}
	}
	return &nodesEntry{enc: e, nodes: nodes}, nil
}

func isValidHash(s string) bool {
	dlen := b32format.DecodedLen(len(s))
	if dlen < minHashLength || dlen > 32 || strings.ContainsAny(s, "\n\r") {
		return false
	}
	buf := make([]byte, 32)
	_, err := b32format.Decode(buf, []byte(s))
	return err == nil
}

// URL encoding

// MakeURL returns the tree URL of a tree signed by key and published at domain.
func MakeURL(domain string, key *btcec.PrivateKey) string {
	return newLinkEntry(domain, key.PubKey()).url()
}

// ParseURL parses a tree:// URL and returns its components.
func ParseURL(url string) (domain string, pubkey *btcec.PublicKey, err error) {
	le, err := parseURL(url)
	if err != nil {
		return "", nil, err
	}
	return le.domain, le.pubkey, nil
}

func parseURL(url string) (*linkEntry, error) {
	if !strings.HasPrefix(url, linkPrefix) {
		return nil, fmt.Errorf("wrong/missing scheme 'tree' in URL")
	}
	le, err := parseLink(url[len(linkPrefix):])
	if err != nil {
		return nil, err.(entryError).err
	}
	return le, nil
}
