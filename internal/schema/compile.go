package schema

import (
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// YAMLドキュメントの構造。コンパイル前の生の形であり、この形のまま
// エンジン内に持ち回ることはない。
type docMeta struct {
	Schema string `yaml:"schema"`
}

type docField struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Optional    bool   `yaml:"optional"`
	Target      string `yaml:"target"`
	DefaultNow  bool   `yaml:"default_now"`
}

type docAuth struct {
	Read  string `yaml:"read"`
	Write string `yaml:"write"`
	Scope string `yaml:"scope"`
}

type docCollection struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Fields      []docField `yaml:"fields"`
	Auth        *docAuth   `yaml:"auth"`
}

type document struct {
	Meta        docMeta         `yaml:"meta"`
	Name        string          `yaml:"name"`
	Collections []docCollection `yaml:"collections"`
}

// Compile はYAMLテキストのアプリ定義をコンパイル済みSchemaに変換する。
// 純粋関数であり、エンジンの状態を一切変更しない。
// 失敗時は*CompileErrorを返す。同一テキストのコンパイル結果は常に等しい。
func Compile(yamlText string) (*Schema, error) {
	if len(yamlText) > MaxDefinitionSize {
		return nil, &CompileError{
			Reason:   fmt.Sprintf("app definition too large: %d bytes (max %d)", len(yamlText), MaxDefinitionSize),
			Location: "document",
		}
	}

	var doc document
	if err := yaml.Unmarshal([]byte(yamlText), &doc); err != nil {
		return nil, &CompileError{
			Reason:   fmt.Sprintf("invalid yaml: %v", err),
			Location: "document",
		}
	}

	if doc.Meta.Schema != SupportedVersion {
		return nil, &CompileError{
			Reason:   fmt.Sprintf("unsupported schema version: %q", doc.Meta.Schema),
			Location: "meta.schema",
		}
	}
	if err := validateIdent(doc.Name); err != nil {
		return nil, &CompileError{Reason: err.Error(), Location: "name"}
	}

	sc := &Schema{Name: doc.Name}
	declared := make(map[string]bool, len(doc.Collections))

	for _, dc := range doc.Collections {
		loc := "collections." + dc.Name
		if err := validateIdent(dc.Name); err != nil {
			return nil, &CompileError{Reason: err.Error(), Location: loc}
		}
		if strings.HasPrefix(dc.Name, ReservedPrefix) {
			return nil, &CompileError{
				Reason:   fmt.Sprintf("collection name uses reserved prefix %q", ReservedPrefix),
				Location: loc,
			}
		}
		if declared[dc.Name] {
			return nil, &CompileError{Reason: "duplicate collection name", Location: loc}
		}
		declared[dc.Name] = true

		col, err := compileCollection(dc)
		if err != nil {
			return nil, err
		}
		sc.Collections = append(sc.Collections, col)
	}

	// 前方参照を許すため、relation解決は全コレクション宣言後に行う。
	for _, col := range sc.Collections {
		for _, f := range col.Fields {
			if f.Kind != FieldRelation {
				continue
			}
			if !declared[f.Target] {
				return nil, &CompileError{
					Reason:   fmt.Sprintf("relation target %q is not declared", f.Target),
					Location: fmt.Sprintf("collections.%s.fields.%s", col.Name, f.Name),
				}
			}
		}
	}

	sc.Collections = append(sc.Collections, NewUserCollection())
	return sc, nil
}

func compileCollection(dc docCollection) (Collection, error) {
	col := Collection{
		Name:        dc.Name,
		Description: dc.Description,
	}
	if err := validateText(dc.Description, 1024); err != nil {
		return col, &CompileError{Reason: err.Error(), Location: "collections." + dc.Name + ".description"}
	}

	seen := make(map[string]bool, len(dc.Fields))
	for _, df := range dc.Fields {
		loc := fmt.Sprintf("collections.%s.fields.%s", dc.Name, df.Name)
		if err := validateIdent(df.Name); err != nil {
			return col, &CompileError{Reason: err.Error(), Location: loc}
		}
		if seen[df.Name] {
			return col, &CompileError{Reason: "duplicate field name", Location: loc}
		}
		seen[df.Name] = true
		if err := validateText(df.Description, 1024); err != nil {
			return col, &CompileError{Reason: err.Error(), Location: loc}
		}

		kind := FieldKind(df.Type)
		switch kind {
		case FieldString, FieldInteger, FieldFloat, FieldBoolean, FieldDateTime:
		case FieldRelation:
			if err := validateIdent(df.Target); err != nil {
				return col, &CompileError{Reason: "relation requires a valid target: " + err.Error(), Location: loc}
			}
		default:
			return col, &CompileError{Reason: fmt.Sprintf("unknown field type: %q", df.Type), Location: loc}
		}

		col.Fields = append(col.Fields, Field{
			Name:        df.Name,
			Kind:        kind,
			Description: df.Description,
			Optional:    df.Optional,
			Target:      df.Target,
			DefaultNow:  df.DefaultNow,
		})
	}

	auth, err := compileAuth(dc)
	if err != nil {
		return col, err
	}
	col.Auth = auth
	return col, nil
}

func compileAuth(dc docCollection) (AuthPolicy, error) {
	// 既定値: 誰でも読み書き可能、スコープ制限なし。
	policy := AuthPolicy{
		Read:  AccessPublic,
		Write: AccessPublic,
		Scope: ScopeEveryone,
	}
	if dc.Auth == nil {
		return policy, nil
	}
	loc := "collections." + dc.Name + ".auth"

	if dc.Auth.Read != "" {
		level, ok := parseAccessLevel(dc.Auth.Read)
		if !ok {
			return policy, &CompileError{Reason: fmt.Sprintf("unknown access level: %q", dc.Auth.Read), Location: loc + ".read"}
		}
		policy.Read = level
	}
	if dc.Auth.Write != "" {
		level, ok := parseAccessLevel(dc.Auth.Write)
		if !ok {
			return policy, &CompileError{Reason: fmt.Sprintf("unknown access level: %q", dc.Auth.Write), Location: loc + ".write"}
		}
		policy.Write = level
	}
	switch dc.Auth.Scope {
	case "":
	case string(ScopeEveryone):
		policy.Scope = ScopeEveryone
	case string(ScopeOwner):
		policy.Scope = ScopeOwner
	default:
		return policy, &CompileError{Reason: fmt.Sprintf("unknown scope: %q", dc.Auth.Scope), Location: loc + ".scope"}
	}
	return policy, nil
}

func parseAccessLevel(s string) (AccessLevel, bool) {
	switch AccessLevel(s) {
	case AccessPublic:
		return AccessPublic, true
	case AccessAuthenticated:
		return AccessAuthenticated, true
	}
	return "", false
}

// validateIdent は識別子の文字種を検証する。
// 英数字とアンダースコアのみを許可する。
func validateIdent(id string) error {
	if id == "" {
		return fmt.Errorf("empty identifier")
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return fmt.Errorf("invalid char in identifier: %q", c)
		}
	}
	return nil
}

// validateText は説明文などの自由テキストを検証する。
func validateText(text string, maxLength int) error {
	if len(text) > maxLength {
		return fmt.Errorf("text too long: %d bytes (max %d)", len(text), maxLength)
	}
	for _, c := range text {
		if unicode.IsControl(c) {
			return fmt.Errorf("invalid control char in text")
		}
	}
	return nil
}
