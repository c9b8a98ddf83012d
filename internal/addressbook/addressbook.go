// Package addressbook resolves protocol contracts, tokens and funding holders
// by name from a YAML file.
package addressbook

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// ErrUnknown is returned for a name the book has no entry for.
var ErrUnknown = errors.New("unknown name")

// Aave holds the lending protocol entry points.
type Aave struct {
	LendingPool  common.Address
	DataProvider common.Address
}

// Book is a parsed address book.
type Book struct {
	Aave    Aave
	tokens  map[string]common.Address
	holders map[string]common.Address
	users   map[string]common.Address
}

type rawBook struct {
	Aave struct {
		LendingPool  string `yaml:"lendingPool"`
		DataProvider string `yaml:"dataProvider"`
	} `yaml:"aave"`
	Tokens  map[string]string `yaml:"tokens"`
	Holders map[string]string `yaml:"holders"`
	Users   map[string]string `yaml:"users"`
}

// Default returns the embedded mainnet address book.
func Default() (*Book, error) {
	return Parse(defaultYAML)
}

// Load reads an address book from path. An empty path selects the default.
func Load(path string) (*Book, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read address book: %w", err)
	}
	book, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return book, nil
}

// Parse decodes and validates an address book.
func Parse(data []byte) (*Book, error) {
	var raw rawBook
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse address book: %w", err)
	}

	var err error
	book := &Book{}
	if book.Aave.LendingPool, err = parseAddress("aave.lendingPool", raw.Aave.LendingPool); err != nil {
		return nil, err
	}
	if book.Aave.DataProvider, err = parseAddress("aave.dataProvider", raw.Aave.DataProvider); err != nil {
		return nil, err
	}
	if book.tokens, err = parseSection("tokens", raw.Tokens); err != nil {
		return nil, err
	}
	if book.holders, err = parseSection("holders", raw.Holders); err != nil {
		return nil, err
	}
	if book.users, err = parseSection("users", raw.Users); err != nil {
		return nil, err
	}
	return book, nil
}

// Token returns the address of the token with symbol (case-insensitive).
func (b *Book) Token(symbol string) (common.Address, error) {
	return lookup("token", b.tokens, symbol)
}

// Holder returns the large holder used to fund accounts with symbol.
func (b *Book) Holder(symbol string) (common.Address, error) {
	return lookup("holder", b.holders, symbol)
}

// User returns a named user address.
func (b *Book) User(name string) (common.Address, error) {
	return lookup("user", b.users, name)
}

// Symbols lists the known token symbols, sorted.
func (b *Book) Symbols() []string {
	symbols := make([]string, 0, len(b.tokens))
	for s := range b.tokens {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// ResolveAddress accepts a hex address or a user name.
func (b *Book) ResolveAddress(s string) (common.Address, error) {
	if common.IsHexAddress(s) {
		return common.HexToAddress(s), nil
	}
	return b.User(s)
}

func lookup(kind string, m map[string]common.Address, name string) (common.Address, error) {
	if addr, ok := m[name]; ok {
		return addr, nil
	}
	for k, addr := range m {
		if strings.EqualFold(k, name) {
			return addr, nil
		}
	}
	return common.Address{}, fmt.Errorf("%w: no %s configured for %q", ErrUnknown, kind, name)
}

func parseSection(section string, raw map[string]string) (map[string]common.Address, error) {
	out := make(map[string]common.Address, len(raw))
	for name, value := range raw {
		addr, err := parseAddress(section+"."+name, value)
		if err != nil {
			return nil, err
		}
		out[name] = addr
	}
	return out, nil
}

func parseAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, value)
	}
	return common.HexToAddress(value), nil
}
