package persistence

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/estimator"
)

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func marshalParamMap(m map[estimator.Parameter]float64) ([]byte, error) {
	if m == nil {
		m = map[estimator.Parameter]float64{}
	}
	return json.Marshal(m)
}

func unmarshalParamMap(raw []byte) (map[estimator.Parameter]float64, error) {
	out := map[estimator.Parameter]float64{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalIndexMap(m map[string]float64) ([]byte, error) {
	if m == nil {
		m = map[string]float64{}
	}
	return json.Marshal(m)
}

func unmarshalIndexMap(raw []byte) (map[string]float64, error) {
	out := map[string]float64{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
