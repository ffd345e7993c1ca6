// Package enr owns the local node's Ethereum Node Record lifecycle: build,
// on-disk reconciliation, persistence, and the subnet-bitfield mutations
// that require a sequence bump, built on go-ethereum's enr.Record.
package enr

import (
	"crypto/ecdsa"
	"encoding/base64"
	"net"
	"os"
	"path/filepath"

	gethenr "github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
	bitfield "github.com/prysmaticlabs/go-bitfield"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "enr")

// Recognized ENR keys.
const (
	KeyEth2     = "eth2"
	KeyAttnets  = "attnets"
	KeySyncnets = "syncnets"
	KeyCustody  = "csc"
)

const enrFileName = "enr.dat"

// Config describes the fields the local record should advertise.
type Config struct {
	NetworkDir string

	IP4  net.IP
	IP6  net.IP
	TCP4 uint16
	TCP6 uint16
	UDP4 uint16
	UDP6 uint16

	ForkDigest        []byte
	AttestationBits   bitfield.Bitvector64
	SyncCommitteeBits bitfield.Bitvector4
	CustodySubnetCount uint64

	PrivateKey *ecdsa.PrivateKey
}

// LocalRecord owns the signed local ENR plus the private key used to
// re-sign it on every mutation.
type LocalRecord struct {
	record *gethenr.Record
	key    *ecdsa.PrivateKey
	dir    string
}

// Build constructs a fresh, signed ENR from cfg and reconciles it with
// whatever record is persisted on disk.
func Build(cfg *Config) (*LocalRecord, error) {
	if cfg.PrivateKey == nil {
		return nil, errors.New("enr: private key required")
	}
	fresh, err := build(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "enr: build")
	}
	lr := &LocalRecord{record: fresh, key: cfg.PrivateKey, dir: cfg.NetworkDir}

	disk, err := load(cfg.NetworkDir)
	if err != nil {
		log.WithError(err).Warn("no usable on-disk ENR; starting fresh")
		if err := lr.persist(); err != nil {
			return nil, err
		}
		return lr, nil
	}
	if disk.NodeAddr() == nil || fresh.NodeAddr() == nil || string(disk.NodeAddr()) != string(fresh.NodeAddr()) {
		// Different node id (different key material): ignore the on-disk
		// record entirely.
		if err := lr.persist(); err != nil {
			return nil, err
		}
		return lr, nil
	}
	if compare(fresh, disk) {
		lr.record = disk
		return lr, nil
	}
	seq := disk.Seq()
	if seq == ^uint64(0) {
		return nil, errors.New("enr: sequence number overflow; remove enr.dat to generate a new node id")
	}
	lr.record.SetSeq(seq + 1)
	if err := lr.sign(); err != nil {
		return nil, err
	}
	if err := lr.persist(); err != nil {
		return nil, err
	}
	return lr, nil
}

func build(cfg *Config) (*gethenr.Record, error) {
	r := new(gethenr.Record)
	if cfg.IP4 != nil {
		r.Set(gethenr.IPv4(cfg.IP4))
	}
	if cfg.IP6 != nil {
		r.Set(gethenr.IPv6(cfg.IP6))
	}
	if cfg.TCP4 != 0 {
		r.Set(gethenr.TCP(cfg.TCP4))
	}
	if cfg.UDP4 != 0 {
		r.Set(gethenr.UDP(cfg.UDP4))
	}
	if cfg.TCP6 != 0 {
		r.Set(gethenr.WithEntry("tcp6", cfg.TCP6))
	}
	if cfg.UDP6 != 0 {
		r.Set(gethenr.WithEntry("udp6", cfg.UDP6))
	}
	if len(cfg.ForkDigest) > 0 {
		r.Set(gethenr.WithEntry(KeyEth2, cfg.ForkDigest))
	}
	attBits := cfg.AttestationBits
	r.Set(gethenr.WithEntry(KeyAttnets, &attBits))
	syncBits := cfg.SyncCommitteeBits
	r.Set(gethenr.WithEntry(KeySyncnets, &syncBits))
	if cfg.CustodySubnetCount > 0 {
		r.Set(gethenr.WithEntry(KeyCustody, cfg.CustodySubnetCount))
	}
	r.SetSeq(0)
	if err := gethenr.SignV4(r, cfg.PrivateKey); err != nil {
		return nil, err
	}
	return r, nil
}

func (lr *LocalRecord) sign() error {
	return gethenr.SignV4(lr.record, lr.key)
}

// Record returns the current signed ENR.
func (lr *LocalRecord) Record() *gethenr.Record { return lr.record }

// SetAttestationSubnets rebuilds the attnets entry and bumps the sequence
// number, persisting the result: every mutation to the advertised subnets
// triggers a record rebuild with seq incremented.
func (lr *LocalRecord) SetAttestationSubnets(bits bitfield.Bitvector64) error {
	lr.record.Set(gethenr.WithEntry(KeyAttnets, &bits))
	return lr.bumpAndPersist()
}

// SetSyncCommitteeSubnets rebuilds the syncnets entry and bumps the
// sequence number.
func (lr *LocalRecord) SetSyncCommitteeSubnets(bits bitfield.Bitvector4) error {
	lr.record.Set(gethenr.WithEntry(KeySyncnets, &bits))
	return lr.bumpAndPersist()
}

func (lr *LocalRecord) bumpAndPersist() error {
	next := lr.record.Seq() + 1
	if next == 0 {
		return errors.New("enr: sequence number overflow; remove enr.dat to generate a new node id")
	}
	lr.record.SetSeq(next)
	if err := lr.sign(); err != nil {
		return errors.Wrap(err, "enr: sign")
	}
	return lr.persist()
}

func (lr *LocalRecord) persist() error {
	if lr.dir == "" {
		return nil
	}
	if err := os.MkdirAll(lr.dir, 0o700); err != nil {
		return errors.Wrap(err, "enr: create network dir")
	}
	enc, err := rlp.EncodeToBytes(lr.record)
	if err != nil {
		return errors.Wrap(err, "enr: encode")
	}
	path := filepath.Join(lr.dir, enrFileName)
	return os.WriteFile(path, []byte(base64.URLEncoding.EncodeToString(enc)), 0o600)
}

func load(dir string) (*gethenr.Record, error) {
	if dir == "" {
		return nil, errors.New("enr: no network dir configured")
	}
	raw, err := os.ReadFile(filepath.Join(dir, enrFileName))
	if err != nil {
		return nil, err
	}
	dec, err := base64.URLEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, errors.Wrap(err, "enr: decode base64")
	}
	var r gethenr.Record
	if err := rlp.DecodeBytes(dec, &r); err != nil {
		return nil, errors.Wrap(err, "enr: decode rlp")
	}
	return &r, nil
}

// compare does a field-by-field match between the freshly built record and
// the one persisted on disk. The ip4, tcp and udp fields are checked only
// when the fresh record specifies them; eth2, attnets, syncnets and csc
// must match exactly, so one being present on only one side is a mismatch.
func compare(fresh, disk *gethenr.Record) bool {
	var freshIP4, diskIP4 gethenr.IPv4
	freshHasIP4 := fresh.Load(&freshIP4) == nil
	diskHasIP4 := disk.Load(&diskIP4) == nil
	if freshHasIP4 && (!diskHasIP4 || !net.IP(freshIP4).Equal(net.IP(diskIP4))) {
		return false
	}

	var freshTCP, diskTCP gethenr.TCP
	freshHasTCP := fresh.Load(&freshTCP) == nil
	diskHasTCP := disk.Load(&diskTCP) == nil
	if freshHasTCP && (!diskHasTCP || freshTCP != diskTCP) {
		return false
	}

	var freshUDP, diskUDP gethenr.UDP
	freshHasUDP := fresh.Load(&freshUDP) == nil
	if freshHasUDP {
		if disk.Load(&diskUDP) != nil || freshUDP != diskUDP {
			return false
		}
	}

	var freshEth2, diskEth2 []byte
	fresh.Load(gethenr.WithEntry(KeyEth2, &freshEth2))
	disk.Load(gethenr.WithEntry(KeyEth2, &diskEth2))
	if string(freshEth2) != string(diskEth2) {
		return false
	}

	var freshAtt, diskAtt bitfield.Bitvector64
	fresh.Load(gethenr.WithEntry(KeyAttnets, &freshAtt))
	disk.Load(gethenr.WithEntry(KeyAttnets, &diskAtt))
	if string(freshAtt) != string(diskAtt) {
		return false
	}

	var freshSync, diskSync bitfield.Bitvector4
	fresh.Load(gethenr.WithEntry(KeySyncnets, &freshSync))
	disk.Load(gethenr.WithEntry(KeySyncnets, &diskSync))
	if string(freshSync) != string(diskSync) {
		return false
	}

	var freshCSC, diskCSC uint64
	freshHasCSC := fresh.Load(gethenr.WithEntry(KeyCustody, &freshCSC)) == nil
	diskHasCSC := disk.Load(gethenr.WithEntry(KeyCustody, &diskCSC)) == nil
	if freshHasCSC != diskHasCSC || (freshHasCSC && freshCSC != diskCSC) {
		return false
	}

	return true
}
