package template

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/flosch/pongo2/v6"
)

// registerFilters adds the filters templates commonly rely on that pongo2
// does not ship, and replaces its float filter, which turns non-numeric
// input into 0 instead of failing.
func registerFilters() {
	if err := pongo2.ReplaceFilter("float", filterFloat); err != nil {
		panic(fmt.Sprintf("template: replace filter float: %v", err))
	}

	filters := map[string]pongo2.FilterFunction{
		"int":   filterInt,
		"round": filterRound,
		"bool":  filterBool,
	}
	for name, fn := range filters {
		if pongo2.FilterExists(name) {
			continue
		}
		if err := pongo2.RegisterFilter(name, fn); err != nil {
			panic(fmt.Sprintf("template: register filter %s: %v", name, err))
		}
	}
}

func filterFloat(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	f, err := toFloat(in)
	if err != nil {
		if param != nil && !param.IsNil() {
			return param, nil
		}
		return nil, &pongo2.Error{Sender: "filter:float", OrigError: err}
	}
	return pongo2.AsValue(f), nil
}

func filterInt(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	f, err := toFloat(in)
	if err != nil {
		if param != nil && !param.IsNil() {
			return param, nil
		}
		return nil, &pongo2.Error{Sender: "filter:int", OrigError: err}
	}
	return pongo2.AsValue(int(math.Trunc(f))), nil
}

func filterRound(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	f, err := toFloat(in)
	if err != nil {
		return nil, &pongo2.Error{Sender: "filter:round", OrigError: err}
	}
	precision := 0
	if param != nil && param.IsNumber() {
		precision = param.Integer()
	}
	scale := math.Pow(10, float64(precision))
	return pongo2.AsValue(math.Round(f*scale) / scale), nil
}

func filterBool(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	if in.IsBool() {
		return in, nil
	}
	if in.IsNumber() {
		return pongo2.AsValue(in.Float() != 0), nil
	}
	switch strings.ToLower(strings.TrimSpace(in.String())) {
	case "true", "yes", "on", "enable", "1":
		return pongo2.AsValue(true), nil
	case "false", "no", "off", "disable", "0", "none":
		return pongo2.AsValue(false), nil
	}
	if param != nil && !param.IsNil() {
		return param, nil
	}
	return nil, &pongo2.Error{
		Sender:    "filter:bool",
		OrigError: fmt.Errorf("cannot interpret %q as a boolean", in.String()),
	}
}

func toFloat(in *pongo2.Value) (float64, error) {
	if in == nil || in.IsNil() {
		return 0, ErrNotNumber
	}
	if in.IsBool() {
		if in.Bool() {
			return 1, nil
		}
		return 0, nil
	}
	if in.IsInteger() {
		return float64(in.Integer()), nil
	}
	if in.IsFloat() {
		return in.Float(), nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(in.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotNumber, in.String())
	}
	return f, nil
}
