package store

import (
	"fmt"
	"strconv"

	"github.com/hitoshi/octbase/internal/model"
	"github.com/hitoshi/octbase/internal/schema"
)

// ParseFilterValue はクエリパラメータの文字列値を、格納時の正規化表現と
// 同じ型へ変換する。listの等価一致フィルタ構築に使用する。
func ParseFilterValue(f *schema.Field, raw string) (any, error) {
	switch f.Kind {
	case schema.FieldString, schema.FieldRelation:
		return raw, nil
	case schema.FieldInteger, schema.FieldDateTime:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, model.NewValidationError(fmt.Sprintf("フィールド %s のフィルタ値が整数ではありません: %s", f.Name, raw))
		}
		return n, nil
	case schema.FieldFloat:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, model.NewValidationError(fmt.Sprintf("フィールド %s のフィルタ値が数値ではありません: %s", f.Name, raw))
		}
		return x, nil
	case schema.FieldBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, model.NewValidationError(fmt.Sprintf("フィールド %s のフィルタ値が真偽値ではありません: %s", f.Name, raw))
		}
		return b, nil
	}
	return nil, model.NewValidationError(fmt.Sprintf("フィールド %s はフィルタに使用できません", f.Name))
}
