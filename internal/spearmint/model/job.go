package model

import (
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/G-Research/spearmint/internal/common/spearminterrors"
	"github.com/G-Research/spearmint/internal/common/util"
	"github.com/G-Research/spearmint/internal/spearmint/schema"
	"github.com/G-Research/spearmint/internal/spearmint/store"
)

type Status string

const (
	Pending  Status = "pending"
	Complete Status = "complete"
)

// Job is one suggest/evaluate/update cycle. Values are minimize-normalized and NaN marks an observation
// that produced no number.
type Job struct {
	ID        int64
	Params    schema.Params
	Status    Status
	StartTime time.Time
	EndTime   *time.Time
	Values    map[string]float64
	// Generation of the profile the job was suggested under.
	Generation string
}

func NewPendingJob(id int64, params schema.Params, now time.Time) *Job {
	return &Job{ID: id, Params: params, Status: Pending, StartTime: now}
}

// Complete returns a copy of the job transitioned to the complete state.
func (j *Job) Complete(values map[string]float64, now time.Time) *Job {
	completed := *j
	completed.Status = Complete
	completed.EndTime = &now
	completed.Values = values
	return &completed
}

// IDFilter selects the document of the job with the given id.
func IDFilter(id int64) store.Filter {
	return store.Filter{"id": id}
}

func (j *Job) ToDocument() store.Document {
	doc := store.Document{
		"id":         j.ID,
		"params":     j.Params.ToDocument(),
		"status":     string(j.Status),
		"start_time": util.UnixSeconds(j.StartTime),
		"end_time":   nil,
	}
	if j.Generation != "" {
		doc[GenerationField] = j.Generation
	}
	if j.EndTime != nil {
		doc["end_time"] = util.UnixSeconds(*j.EndTime)
	}
	if j.Values != nil {
		values := make(map[string]interface{}, len(j.Values))
		for task, v := range j.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				values[task] = nil
			} else {
				values[task] = v
			}
		}
		doc["values"] = values
	}
	return doc
}

type jobDocument struct {
	ID         int64                  `mapstructure:"id"`
	Params     map[string]interface{} `mapstructure:"params"`
	Status     string                 `mapstructure:"status"`
	StartTime  time.Time              `mapstructure:"start_time"`
	EndTime    *time.Time             `mapstructure:"end_time"`
	Values     map[string]interface{} `mapstructure:"values"`
	Generation string                 `mapstructure:"generation"`
}

func JobFromDocument(doc store.Document) (*Job, error) {
	var jd jobDocument
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: unixSecondsToTimeHookFunc(),
		Result:     &jd,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := decoder.Decode(doc); err != nil {
		return nil, corruptJob(doc, err.Error())
	}
	params, err := schema.ParamsFromDocument(jd.Params)
	if err != nil {
		return nil, corruptJob(doc, err.Error())
	}

	var values map[string]float64
	if jd.Values != nil {
		values = make(map[string]float64, len(jd.Values))
		for task, v := range jd.Values {
			switch v := v.(type) {
			case nil:
				values[task] = math.NaN()
			case float64:
				values[task] = v
			default:
				return nil, corruptJob(doc, "non-numeric value for task "+task)
			}
		}
	}
	return &Job{
		ID:         jd.ID,
		Params:     params,
		Status:     Status(jd.Status),
		StartTime:  jd.StartTime,
		EndTime:    jd.EndTime,
		Values:     values,
		Generation: jd.Generation,
	}, nil
}

func unixSecondsToTimeHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(time.Time{}) {
			return data, nil
		}
		switch f.Kind() {
		case reflect.Float64:
			return util.FromUnixSeconds(data.(float64)), nil
		case reflect.Int, reflect.Int64:
			return util.FromUnixSeconds(float64(reflect.ValueOf(data).Int())), nil
		}
		return data, nil
	}
}

func corruptJob(doc store.Document, message string) error {
	return errors.WithStack(&spearminterrors.ErrInvariant{Message: "corrupt job " + describeID(doc) + ": " + message})
}

func describeID(doc store.Document) string {
	if id, err := store.IntField(doc, "id"); err == nil {
		return "#" + strconv.FormatInt(id, 10)
	}
	return "without id"
}
