package store

import (
	"encoding/hex"
	"fmt"

	"github.com/cellbench/cellbench/ledger"
	"gopkg.in/yaml.v2"
)

type (
	// Metadata is written once by 'init' and read by every 'run'
	Metadata struct {
		StartBlock  BlockAnchor
		LockScripts map[ledger.LockScheme]LockScript
		Accounts    []AccountRecord
	}

	// BlockAnchor pins the bench to a chain: height plus expected block hash
	BlockAnchor struct {
		Height uint64
		Hash   ledger.Hash
	}

	// LockScript is the on-chain descriptor of one lock scheme
	LockScript struct {
		CodeHash ledger.Hash
		HashType string
		CellDeps []ledger.CellDep
	}

	// AccountRecord is one provisioned identity
	AccountRecord struct {
		SecretKey []byte
		Scheme    ledger.LockScheme
	}

	// metadataYAMLAble is the canonical YAML shape of Metadata
	metadataYAMLAble struct {
		StartBlock  blockAnchorYAMLAble           `yaml:"start_block"`
		LockScripts map[string]lockScriptYAMLAble `yaml:"lock_scripts"`
		Accounts    []accountYAMLAble             `yaml:"accounts"`
	}

	blockAnchorYAMLAble struct {
		Height uint64 `yaml:"height"`
		Hash   string `yaml:"hash"`
	}

	lockScriptYAMLAble struct {
		CodeHash string            `yaml:"code_hash"`
		HashType string            `yaml:"hash_type"`
		CellDeps []cellDepYAMLAble `yaml:"cell_deps"`
	}

	cellDepYAMLAble struct {
		TxHash   string `yaml:"tx_hash"`
		Index    uint32 `yaml:"index"`
		DepGroup bool   `yaml:"dep_group"`
	}

	accountYAMLAble struct {
		SecretKey string `yaml:"secret_key"`
		Lock      string `yaml:"lock"`
	}
)

func (m *Metadata) YAMLAble() *metadataYAMLAble {
	ret := &metadataYAMLAble{
		StartBlock: blockAnchorYAMLAble{
			Height: m.StartBlock.Height,
			Hash:   m.StartBlock.Hash.String(),
		},
		LockScripts: make(map[string]lockScriptYAMLAble),
		Accounts:    make([]accountYAMLAble, 0, len(m.Accounts)),
	}
	for scheme, script := range m.LockScripts {
		deps := make([]cellDepYAMLAble, 0, len(script.CellDeps))
		for _, d := range script.CellDeps {
			deps = append(deps, cellDepYAMLAble{
				TxHash:   d.OutPoint.TxID.String(),
				Index:    d.OutPoint.Index,
				DepGroup: d.DepGroup,
			})
		}
		ret.LockScripts[scheme.String()] = lockScriptYAMLAble{
			CodeHash: script.CodeHash.String(),
			HashType: script.HashType,
			CellDeps: deps,
		}
	}
	for _, a := range m.Accounts {
		ret.Accounts = append(ret.Accounts, accountYAMLAble{
			SecretKey: hex.EncodeToString(a.SecretKey),
			Lock:      a.Scheme.String(),
		})
	}
	return ret
}

func (m *Metadata) YAML() []byte {
	ret, err := yaml.Marshal(m.YAMLAble())
	if err != nil {
		panic(err)
	}
	return ret
}

func MetadataFromYAML(data []byte) (*Metadata, error) {
	yamlAble := &metadataYAMLAble{}
	if err := yaml.Unmarshal(data, yamlAble); err != nil {
		return nil, err
	}
	return yamlAble.metadata()
}

func (y *metadataYAMLAble) metadata() (*Metadata, error) {
	ret := &Metadata{
		LockScripts: make(map[ledger.LockScheme]LockScript),
		Accounts:    make([]AccountRecord, 0, len(y.Accounts)),
	}
	var err error
	ret.StartBlock.Height = y.StartBlock.Height
	if ret.StartBlock.Hash, err = ledger.HashFromHexString(y.StartBlock.Hash); err != nil {
		return nil, fmt.Errorf("wrong start block hash: %w", err)
	}
	for name, script := range y.LockScripts {
		scheme, err := ledger.LockSchemeFromName(name)
		if err != nil {
			return nil, err
		}
		if script.HashType != "data" && script.HashType != "type" {
			return nil, fmt.Errorf("wrong hash type '%s' for lock '%s'", script.HashType, name)
		}
		codeHash, err := ledger.HashFromHexString(script.CodeHash)
		if err != nil {
			return nil, fmt.Errorf("wrong code hash for lock '%s': %w", name, err)
		}
		deps := make([]ledger.CellDep, 0, len(script.CellDeps))
		for _, d := range script.CellDeps {
			txHash, err := ledger.HashFromHexString(d.TxHash)
			if err != nil {
				return nil, fmt.Errorf("wrong cell dep tx hash for lock '%s': %w", name, err)
			}
			deps = append(deps, ledger.CellDep{
				OutPoint: ledger.NewOutPoint(txHash, d.Index),
				DepGroup: d.DepGroup,
			})
		}
		ret.LockScripts[scheme] = LockScript{
			CodeHash: codeHash,
			HashType: script.HashType,
			CellDeps: deps,
		}
	}
	for i, a := range y.Accounts {
		scheme, err := ledger.LockSchemeFromName(a.Lock)
		if err != nil {
			return nil, fmt.Errorf("account #%d: %w", i, err)
		}
		if _, ok := ret.LockScripts[scheme]; !ok {
			return nil, fmt.Errorf("account #%d: no lock script for scheme '%s'", i, a.Lock)
		}
		sk, err := hex.DecodeString(a.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("account #%d: wrong secret key: %w", i, err)
		}
		ret.Accounts = append(ret.Accounts, AccountRecord{SecretKey: sk, Scheme: scheme})
	}
	return ret, nil
}
