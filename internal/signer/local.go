package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/klingon-exchange/chaincoord/internal/chain"
)

// BIP-44 defaults used when a network doesn't carry a coin type.
const (
	bip44Purpose     = 44
	coinTypeEthereum = 60
	coinTypeCosmos   = 118
)

// Local signs with keys derived from a BIP-39 mnemonic held in memory.
// Keys live at m/44'/coin'/account'/0/index.
type Local struct {
	master  *hdkeychain.ExtendedKey
	account uint32
	index   uint32

	mu   sync.Mutex
	keys map[uint32]*btcec.PrivateKey
}

var _ Signer = (*Local)(nil)

// NewLocal creates a local signer from a mnemonic and optional passphrase.
func NewLocal(mnemonic, passphrase string, account, index uint32) (*Local, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	defer SecureClear(seed)
	return NewLocalFromSeed(seed, account, index)
}

// NewLocalFromSeed creates a local signer from a BIP-32 seed.
func NewLocalFromSeed(seed []byte, account, index uint32) (*Local, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Local{
		master:  master,
		account: account,
		index:   index,
		keys:    make(map[uint32]*btcec.PrivateKey),
	}, nil
}

func coinType(n chain.Network) uint32 {
	if n.CoinType != 0 {
		return n.CoinType
	}
	switch n.Family {
	case chain.AccountBased:
		return coinTypeEthereum
	case chain.HeightBased:
		return coinTypeCosmos
	default:
		return 0
	}
}

// privateKey derives (and caches) the key for a coin type.
func (l *Local) privateKey(coin uint32) (*btcec.PrivateKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if k, ok := l.keys[coin]; ok {
		return k, nil
	}

	// m/44'
	purposeKey, err := l.master.Derive(hdkeychain.HardenedKeyStart + bip44Purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to derive purpose: %w", err)
	}
	// m/44'/coin'
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + coin)
	if err != nil {
		return nil, fmt.Errorf("failed to derive coin: %w", err)
	}
	// m/44'/coin'/account'
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + l.account)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account: %w", err)
	}
	// m/44'/coin'/account'/0
	changeKey, err := accountKey.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change: %w", err)
	}
	// m/44'/coin'/account'/0/index
	addressKey, err := changeKey.Derive(l.index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}

	priv, err := addressKey.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	l.keys[coin] = priv
	return priv, nil
}

// PublicKey returns the compressed secp256k1 public key used on n.
func (l *Local) PublicKey(n chain.Network) ([]byte, error) {
	priv, err := l.privateKey(coinType(n))
	if err != nil {
		return nil, err
	}
	return priv.PubKey().SerializeCompressed(), nil
}

// Address returns the normalised address this signer controls on n.
func (l *Local) Address(n chain.Network) (string, error) {
	priv, err := l.privateKey(coinType(n))
	if err != nil {
		return "", err
	}
	switch n.Family {
	case chain.AccountBased:
		key, err := crypto.ToECDSA(priv.Serialize())
		if err != nil {
			return "", fmt.Errorf("failed to convert key: %w", err)
		}
		return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()), nil
	case chain.HeightBased:
		return bech32Address(n.AddressPrefix, priv.PubKey())
	default:
		return "", fmt.Errorf("unsupported family for %s", n.Key())
	}
}

// bech32Address encodes ripemd160(sha256(compressed pubkey)) under prefix.
func bech32Address(prefix string, pub *btcec.PublicKey) (string, error) {
	sha := sha256.Sum256(pub.SerializeCompressed())
	h := ripemd160.New()
	h.Write(sha[:])
	conv, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert address bits: %w", err)
	}
	addr, err := bech32.Encode(prefix, conv)
	if err != nil {
		return "", fmt.Errorf("failed to encode address: %w", err)
	}
	return addr, nil
}

// Sign implements Signer.
func (l *Local) Sign(ctx context.Context, req *chain.TxRequest, method chain.SigningMethod) (*chain.SignedTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	own, err := l.Address(req.Network)
	if err != nil {
		return nil, err
	}
	from, err := chain.NormalizeAddress(req.Network, req.From)
	if err != nil {
		return nil, err
	}
	if from != own {
		return nil, fmt.Errorf("%w: no key for %s", ErrSigningRejected, req.From)
	}

	switch req.Network.Family {
	case chain.AccountBased:
		if method != chain.SignTransaction {
			return nil, fmt.Errorf("%w: method %s not supported on %s", ErrSigningRejected, method, req.Network.Key())
		}
		return l.signEVM(req)
	case chain.HeightBased:
		if method != chain.SignDirect {
			return nil, fmt.Errorf("%w: method %s not supported on %s", ErrSigningRejected, method, req.Network.Key())
		}
		return l.signDirect(req)
	default:
		return nil, fmt.Errorf("unsupported family for %s", req.Network.Key())
	}
}

func (l *Local) signEVM(req *chain.TxRequest) (*chain.SignedTx, error) {
	if req.Nonce == nil {
		return nil, fmt.Errorf("nonce not populated")
	}
	chainID, err := req.Network.EVMChainID()
	if err != nil {
		return nil, err
	}
	priv, err := l.privateKey(coinType(req.Network))
	if err != nil {
		return nil, err
	}

	var to *common.Address
	if req.To != "" {
		if !common.IsHexAddress(req.To) {
			return nil, fmt.Errorf("invalid recipient %q", req.To)
		}
		addr := common.HexToAddress(req.To)
		to = &addr
	}
	value := orZero(req.Value)

	var tx *types.Transaction
	if req.GasPrice != nil {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    *req.Nonce,
			GasPrice: req.GasPrice,
			Gas:      req.GasLimit,
			To:       to,
			Value:    value,
			Data:     req.Data,
		})
	} else {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     *req.Nonce,
			GasTipCap: orZero(req.MaxPriorityFeePerGas),
			GasFeeCap: orZero(req.MaxFeePerGas),
			Gas:       req.GasLimit,
			To:        to,
			Value:     value,
			Data:      req.Data,
		})
	}

	key, err := crypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("failed to convert key: %w", err)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return &chain.SignedTx{
		Hash: chain.NormalizeHash(req.Network, signed.Hash().Hex()),
		Raw:  raw,
	}, nil
}

// signDirect signs a protobuf SignDoc and returns the encoded TxRaw.
func (l *Local) signDirect(req *chain.TxRequest) (*chain.SignedTx, error) {
	doc, err := parseSignDoc(req.Payload)
	if err != nil {
		return nil, err
	}
	if doc.ChainID != req.Network.ChainID {
		return nil, fmt.Errorf("sign doc chain id %q, want %q", doc.ChainID, req.Network.ChainID)
	}
	priv, err := l.privateKey(coinType(req.Network))
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(req.Payload)
	compact := btcecdsa.SignCompact(priv, digest[:], true)
	// Drop the recovery byte; the chain expects r || s.
	sig := compact[1:]

	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.BytesType)
	raw = protowire.AppendBytes(raw, doc.BodyBytes)
	raw = protowire.AppendTag(raw, 2, protowire.BytesType)
	raw = protowire.AppendBytes(raw, doc.AuthInfoBytes)
	raw = protowire.AppendTag(raw, 3, protowire.BytesType)
	raw = protowire.AppendBytes(raw, sig)

	sum := sha256.Sum256(raw)
	return &chain.SignedTx{
		Hash: strings.ToUpper(hex.EncodeToString(sum[:])),
		Raw:  raw,
	}, nil
}

// SignDoc is the SIGN_MODE_DIRECT document of a height-based transaction.
type SignDoc struct {
	BodyBytes     []byte
	AuthInfoBytes []byte
	ChainID       string
	AccountNumber uint64
}

// Marshal encodes the document in protobuf wire format.
func (d SignDoc) Marshal() []byte {
	var b []byte
	if len(d.BodyBytes) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, d.BodyBytes)
	}
	if len(d.AuthInfoBytes) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.AuthInfoBytes)
	}
	if d.ChainID != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, d.ChainID)
	}
	if d.AccountNumber != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, d.AccountNumber)
	}
	return b
}

func parseSignDoc(b []byte) (SignDoc, error) {
	var doc SignDoc
	if len(b) == 0 {
		return doc, fmt.Errorf("empty sign doc")
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return doc, fmt.Errorf("invalid sign doc: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			doc.BodyBytes, n = protowire.ConsumeBytes(b)
		case num == 2 && typ == protowire.BytesType:
			doc.AuthInfoBytes, n = protowire.ConsumeBytes(b)
		case num == 3 && typ == protowire.BytesType:
			doc.ChainID, n = protowire.ConsumeString(b)
		case num == 4 && typ == protowire.VarintType:
			doc.AccountNumber, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return doc, fmt.Errorf("invalid sign doc field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if len(doc.BodyBytes) == 0 || len(doc.AuthInfoBytes) == 0 {
		return doc, fmt.Errorf("sign doc missing body or auth info")
	}
	return doc, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
