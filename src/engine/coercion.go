package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"brainengine/src/apperr"
	"brainengine/src/models"
)

// CoerceValue converts raw input to the stored value of prop. Select style
// values are stored as option ids; option names are accepted on input.
func CoerceValue(prop *models.Property, raw any) (models.Value, error) {
	if v, ok := raw.(models.Value); ok {
		raw = v.Native()
	}
	if raw == nil {
		return models.Null(), nil
	}
	if prop.Type.IsComputed() {
		return models.Null(), apperr.Validation("property %q is computed and cannot be set", prop.Name)
	}

	switch prop.Type {
	case models.PropertyTypeText, models.PropertyTypePhone:
		s, err := coerceText(prop, raw)
		if err != nil {
			return models.Null(), err
		}
		if s == "" {
			return models.Null(), nil
		}
		return models.String(s), nil

	case models.PropertyTypeEmail:
		s, err := coerceText(prop, raw)
		if err != nil || s == "" {
			return models.Null(), err
		}
		at := strings.Index(s, "@")
		if at <= 0 || at == len(s)-1 || strings.ContainsAny(s, " \t") {
			return models.Null(), apperr.Validation("%q is not a valid email for %q", s, prop.Name)
		}
		return models.String(s), nil

	case models.PropertyTypeURL:
		s, err := coerceText(prop, raw)
		if err != nil || s == "" {
			return models.Null(), err
		}
		u, perr := url.Parse(s)
		if perr != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
			return models.Null(), apperr.Validation("%q is not a valid url for %q", s, prop.Name)
		}
		return models.String(s), nil

	case models.PropertyTypeNumber:
		f, err := coerceNumber(prop, raw)
		if err != nil {
			return models.Null(), err
		}
		if n := prop.Config.Number; n != nil && n.Precision != nil {
			scale := math.Pow(10, float64(*n.Precision))
			f = math.Round(f*scale) / scale
		}
		return models.Number(f), nil

	case models.PropertyTypeCheckbox:
		switch x := raw.(type) {
		case bool:
			return models.Bool(x), nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return models.Null(), apperr.TypeMismatch("%q is not a checkbox value for %q", x, prop.Name)
			}
			return models.Bool(b), nil
		}
		return models.Null(), apperr.TypeMismatch("checkbox %q expects a boolean, got %T", prop.Name, raw)

	case models.PropertyTypeDate:
		switch x := raw.(type) {
		case time.Time:
			return models.Date(x), nil
		case string:
			if strings.TrimSpace(x) == "" {
				return models.Null(), nil
			}
			t, ok := models.ParseTime(strings.TrimSpace(x))
			if !ok {
				return models.Null(), apperr.TypeMismatch("%q is not a date for %q", x, prop.Name)
			}
			return models.Date(t), nil
		}
		return models.Null(), apperr.TypeMismatch("date %q expects a date string, got %T", prop.Name, raw)

	case models.PropertyTypeSelect, models.PropertyTypeStatus:
		ref, ok := raw.(string)
		if !ok {
			return models.Null(), apperr.TypeMismatch("%s %q expects an option, got %T", prop.Type, prop.Name, raw)
		}
		if ref == "" {
			return models.Null(), nil
		}
		opt, ok := prop.Option(ref)
		if !ok {
			return models.Null(), apperr.Validation("%q is not an option of %q", ref, prop.Name)
		}
		return models.String(opt.ID), nil

	case models.PropertyTypeMultiSelect:
		refs, err := coerceStrings(prop, raw)
		if err != nil {
			return models.Null(), err
		}
		ids := make([]string, 0, len(refs))
		seen := make(map[string]bool, len(refs))
		for _, ref := range refs {
			opt, ok := prop.Option(ref)
			if !ok {
				return models.Null(), apperr.Validation("%q is not an option of %q", ref, prop.Name)
			}
			if !seen[opt.ID] {
				seen[opt.ID] = true
				ids = append(ids, opt.ID)
			}
		}
		return models.StringList(ids), nil

	case models.PropertyTypeRelation, models.PropertyTypeFile:
		items, err := coerceStrings(prop, raw)
		if err != nil {
			return models.Null(), err
		}
		out := make([]string, 0, len(items))
		seen := make(map[string]bool, len(items))
		for _, item := range items {
			if item != "" && !seen[item] {
				seen[item] = true
				out = append(out, item)
			}
		}
		return models.StringList(out), nil
	}
	return models.Null(), apperr.Validation("property %q has unknown type %q", prop.Name, prop.Type)
}

func coerceText(prop *models.Property, raw any) (string, error) {
	switch x := raw.(type) {
	case string:
		return x, nil
	case float64, float32, int, int32, int64, bool, json.Number:
		return fmt.Sprint(x), nil
	}
	return "", apperr.TypeMismatch("%s %q expects text, got %T", prop.Type, prop.Name, raw)
}

func coerceNumber(prop *models.Property, raw any) (float64, error) {
	var f float64
	switch x := raw.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		v, err := x.Float64()
		if err != nil {
			return 0, apperr.TypeMismatch("%q is not a number for %q", x, prop.Name)
		}
		f = v
	case string:
		v, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, apperr.TypeMismatch("%q is not a number for %q", x, prop.Name)
		}
		f = v
	default:
		return 0, apperr.TypeMismatch("number %q expects a number, got %T", prop.Name, raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, apperr.Validation("number %q must be finite", prop.Name)
	}
	return f, nil
}

func coerceStrings(prop *models.Property, raw any) ([]string, error) {
	switch x := raw.(type) {
	case string:
		if x == "" {
			return nil, nil
		}
		return []string{x}, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, apperr.TypeMismatch("%s %q expects a list of strings, got %T", prop.Type, prop.Name, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, apperr.TypeMismatch("%s %q expects a list, got %T", prop.Type, prop.Name, raw)
}
