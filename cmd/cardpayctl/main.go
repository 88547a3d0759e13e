package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/khengleng/mycard-pay-protocol/cmd/internal/passphrase"
	"github.com/khengleng/mycard-pay-protocol/crypto"
	"github.com/khengleng/mycard-pay-protocol/native/prepaid"
)

const (
	keygenCommand   = "keygen"
	addressCommand  = "address"
	signCommand     = "sign"
	composeCommand  = "compose"
	issuanceCommand = "issuance"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: cardpayctl <command> [flags]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  keygen    create an encrypted keystore")
	fmt.Fprintln(w, "  address   convert between hex and bech32 addresses")
	fmt.Fprintln(w, "  sign      sign a card operation hash with a keystore")
	fmt.Fprintln(w, "  compose   pair an owner signature with a contract pre-approval")
	fmt.Fprintln(w, "  issuance  encode a card order for transferAndCall")
}

func run(args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	switch args[0] {
	case keygenCommand:
		return runKeygen(args[1:], stdout)
	case addressCommand:
		return runAddress(args[1:], stdout)
	case signCommand:
		return runSign(args[1:], stdout)
	case composeCommand:
		return runCompose(args[1:], stdout)
	case issuanceCommand:
		return runIssuance(args[1:], stdout)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func runKeygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	out := fs.String("out", "operator.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s already exists; pass -force to overwrite", *out)
	}
	pass, err := passphrase.NewSource(*passEnv, "").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "address: %s\nkeystore: %s\n", key.Address().Hex(), *out)
	return nil
}

func runAddress(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ContinueOnError)
	prefix := fs.String("prefix", string(crypto.CardPrefix), "bech32 prefix (card|merchant)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: address expects one argument", errUsage)
	}
	addr, err := crypto.ParseAddress(fs.Arg(0))
	if err != nil {
		return err
	}
	encoded, err := crypto.EncodeAddress(crypto.AddressPrefix(*prefix), addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "hex: %s\nbech32: %s\n", addr.Hex(), encoded)
	return nil
}

func runSign(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(signCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", "", "Keystore holding the signing key")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "Environment variable containing the keystore passphrase")
	hashHex := fs.String("hash", "", "Hash to sign, 0x-prefixed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keystorePath == "" || *hashHex == "" {
		return fmt.Errorf("%w: sign requires -keystore and -hash", errUsage)
	}
	raw, err := hexutil.Decode(*hashHex)
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("hash must be 32 bytes of 0x-prefixed hex")
	}
	pass, err := passphrase.NewSource(*passEnv, "").Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(*keystorePath, pass)
	if err != nil {
		return err
	}
	sig, err := key.SignHash(common.BytesToHash(raw))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "signer: %s\nsignature: %s\n", key.Address().Hex(), hexutil.Encode(sig))
	return nil
}

func runCompose(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(composeCommand, flag.ContinueOnError)
	contract := fs.String("contract", "", "Contract whose pre-approval completes the pair")
	signer := fs.String("signer", "", "Address that produced the signature")
	sigHex := fs.String("sig", "", "65 byte owner signature, 0x-prefixed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	contractAddr, err := crypto.ParseAddress(*contract)
	if err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	signerAddr, err := crypto.ParseAddress(*signer)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	sig, err := hexutil.Decode(*sigHex)
	if err != nil {
		return fmt.Errorf("sig: %w", err)
	}
	composed, err := crypto.ComposeSignature(contractAddr, signerAddr, sig)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hexutil.Encode(composed))
	return nil
}

// Order is a card issuance request. Amounts are whole-token decimals.
type Order struct {
	Owner    string   `yaml:"owner"`
	Decimals int32    `yaml:"decimals"`
	Amounts  []string `yaml:"amounts"`
}

// EncodedOrder is the transferAndCall value and payload for an order.
type EncodedOrder struct {
	Total   *big.Int
	Amounts []*big.Int
	Payload []byte
}

func encodeOrder(order Order) (*EncodedOrder, error) {
	owner, err := crypto.ParseAddress(order.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	if len(order.Amounts) == 0 {
		return nil, errors.New("order has no amounts")
	}
	if order.Decimals < 0 {
		return nil, errors.New("decimals cannot be negative")
	}
	scale := decimal.New(1, order.Decimals)
	out := &EncodedOrder{Total: new(big.Int), Amounts: make([]*big.Int, len(order.Amounts))}
	for i, raw := range order.Amounts {
		value, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("amount %d: %w", i, err)
		}
		base := value.Mul(scale)
		if !base.IsInteger() || base.Sign() <= 0 {
			return nil, fmt.Errorf("amount %d (%s) is not a positive multiple of the token unit", i, raw)
		}
		out.Amounts[i] = base.BigInt()
		out.Total.Add(out.Total, out.Amounts[i])
	}
	out.Payload, err = prepaid.EncodeIssuance(owner, out.Amounts)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func runIssuance(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(issuanceCommand, flag.ContinueOnError)
	orderPath := fs.String("order", "", "YAML order file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *orderPath == "" {
		return fmt.Errorf("%w: issuance requires -order", errUsage)
	}
	raw, err := os.ReadFile(*orderPath)
	if err != nil {
		return err
	}
	var order Order
	if err := yaml.Unmarshal(raw, &order); err != nil {
		return fmt.Errorf("parse order: %w", err)
	}
	encoded, err := encodeOrder(order)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "value: %s\npayload: %s\n", encoded.Total.String(), hexutil.Encode(encoded.Payload))
	return nil
}
