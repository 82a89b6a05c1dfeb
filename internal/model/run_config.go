package model

import (
	"encoding/json"
)

// RunConfig Run.config 的显式结构；未知字段原样保留在 Extra 中，
// 这样只改 provenance 字段时不会丢掉人工改过的其它配置
type RunConfig struct {
	DefinitionSnapshot *DefinitionSnapshot `json:"definitionSnapshot,omitempty"`
	Models             []string            `json:"models,omitempty"`
	IsAggregate        bool                `json:"isAggregate,omitempty"`
	SourceRunIDs       []string            `json:"sourceRunIds,omitempty"`
	TranscriptCount    int                 `json:"transcriptCount,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type DefinitionSnapshot struct {
	PreambleVersionID *string       `json:"preambleVersionId,omitempty"`
	Meta              *SnapshotMeta `json:"_meta,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type SnapshotMeta struct {
	PreambleVersionID *string `json:"preambleVersionId,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// PreambleVersionID 先取 _meta.preambleVersionId，其次 preambleVersionId
func (c RunConfig) PreambleVersionID() *string {
	if c.DefinitionSnapshot == nil {
		return nil
	}
	if m := c.DefinitionSnapshot.Meta; m != nil && m.PreambleVersionID != nil {
		return m.PreambleVersionID
	}
	return c.DefinitionSnapshot.PreambleVersionID
}

// Clone 深拷贝（经 JSON 往返，Extra 一并复制）
func (c RunConfig) Clone() (RunConfig, error) {
	var out RunConfig
	data, err := json.Marshal(c)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

type runConfigFields RunConfig

func (c RunConfig) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(runConfigFields(c), c.Extra)
}

func (c *RunConfig) UnmarshalJSON(data []byte) error {
	var f runConfigFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := extraFields(data, "definitionSnapshot", "models", "isAggregate", "sourceRunIds", "transcriptCount")
	if err != nil {
		return err
	}
	*c = RunConfig(f)
	c.Extra = extra
	return nil
}

type definitionSnapshotFields DefinitionSnapshot

func (d DefinitionSnapshot) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(definitionSnapshotFields(d), d.Extra)
}

func (d *DefinitionSnapshot) UnmarshalJSON(data []byte) error {
	var f definitionSnapshotFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := extraFields(data, "preambleVersionId", "_meta")
	if err != nil {
		return err
	}
	*d = DefinitionSnapshot(f)
	d.Extra = extra
	return nil
}

type snapshotMetaFields SnapshotMeta

func (m SnapshotMeta) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(snapshotMetaFields(m), m.Extra)
}

func (m *SnapshotMeta) UnmarshalJSON(data []byte) error {
	var f snapshotMetaFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := extraFields(data, "preambleVersionId")
	if err != nil {
		return err
	}
	*m = SnapshotMeta(f)
	m.Extra = extra
	return nil
}

// 显式字段优先，Extra 中同名 key 被忽略
func marshalWithExtra(known any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func extraFields(data []byte, known ...string) (map[string]json.RawMessage, error) {
	all := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}
