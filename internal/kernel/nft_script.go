// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"fmt"
	"strings"
)

// NftScript builds an nftables script for atomic application via
// `nft -f -`. Objects must be emitted in the order nft expects them
// (table, then chains, then rules) since nft resolves references
// top-down within one invocation.
type NftScript struct {
	table      string
	family     string
	chains     []string
	chainOrder []string
	rules      map[string][]string
}

// NewNftScript starts a script for the given table/family (the
// reconciliation engine always uses table "loadbalancing", family "ip").
func NewNftScript(table, family string) *NftScript {
	return &NftScript{
		table:  table,
		family: family,
		rules:  make(map[string][]string),
	}
}

// AddChain declares a chain. typeName/hook/priority are passed through
// verbatim; an empty typeName declares a plain (non-base) chain.
func (s *NftScript) AddChain(name, typeName, hook string, priority int, policy string) {
	cmd := fmt.Sprintf("add chain %s %s %s", s.family, quote(s.table), quote(name))
	if typeName != "" {
		cmd = fmt.Sprintf("add chain %s %s %s { type %s hook %s priority %d; policy %s; }",
			s.family, quote(s.table), quote(name), typeName, hook, priority, policy)
	}
	s.chains = append(s.chains, cmd)
	s.chainOrder = append(s.chainOrder, name)
}

// AddRule appends a rule to chain, in the order it should be evaluated.
func (s *NftScript) AddRule(chain, rule string) {
	cmd := fmt.Sprintf("add rule %s %s %s %s", s.family, quote(s.table), quote(chain), rule)
	s.rules[chain] = append(s.rules[chain], cmd)
}

// Build assembles the full script: table, chains (flushed first for
// idempotent re-application), then rules in chain-declaration order.
func (s *NftScript) Build() string {
	var lines []string

	lines = append(lines, fmt.Sprintf("add table %s %s", s.family, quote(s.table)))
	lines = append(lines, s.chains...)

	for _, chain := range s.chainOrder {
		lines = append(lines, fmt.Sprintf("flush chain %s %s %s", s.family, quote(s.table), quote(chain)))
	}

	for _, chain := range s.chainOrder {
		lines = append(lines, s.rules[chain]...)
	}

	return strings.Join(lines, "\n") + "\n"
}

func quote(s string) string {
	return fmt.Sprintf("%q", s)
}
