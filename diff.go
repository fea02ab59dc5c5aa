package patches

import (
	"encoding/json"
	"sort"
)

// diffStates walks two decoded JSON trees and returns the ordered
// sequence of operations that turns old into next: one add/remove/replace
// per changed map key or array slot. This is a generic-JSON
// generalization of nodestorage/v2/bsonpatch.go's CreateBsonPatch, which
// reflect-walks two typed struct/BSON trees to build a MongoDB update
// document; here the trees are map[string]interface{}/[]interface{} and
// the output is RFC 6902 operations instead of $set/$unset operators.
// It is used only to summarize Replica.Import's effect for subscribers
// (§4.2); it is never fed back into rebase/confirm.
func diffStates(oldState, newState json.RawMessage) ([]Operation, error) {
	var oldTree, newTree interface{}
	if len(oldState) > 0 {
		if err := json.Unmarshal(oldState, &oldTree); err != nil {
			return nil, err
		}
	}
	if len(newState) > 0 {
		if err := json.Unmarshal(newState, &newTree); err != nil {
			return nil, err
		}
	}
	var ops []Operation
	diffValue(nil, oldTree, newTree, &ops)
	return ops, nil
}

func diffValue(path Path, oldVal, newVal interface{}, ops *[]Operation) {
	if oldVal == nil && newVal == nil {
		return
	}
	if oldVal == nil {
		*ops = append(*ops, Operation{Op: OpAdd, Path: path.clone(), Value: newVal})
		return
	}
	if newVal == nil {
		*ops = append(*ops, Operation{Op: OpRemove, Path: path.clone()})
		return
	}

	oldMap, oldIsMap := oldVal.(map[string]interface{})
	newMap, newIsMap := newVal.(map[string]interface{})
	if oldIsMap && newIsMap {
		diffMaps(path, oldMap, newMap, ops)
		return
	}

	oldArr, oldIsArr := oldVal.([]interface{})
	newArr, newIsArr := newVal.([]interface{})
	if oldIsArr && newIsArr {
		diffArrays(path, oldArr, newArr, ops)
		return
	}

	if !valuesEqual(oldVal, newVal) {
		*ops = append(*ops, Operation{Op: OpReplace, Path: path.clone(), Value: newVal})
	}
}

func diffMaps(path Path, oldMap, newMap map[string]interface{}, ops *[]Operation) {
	keys := make([]string, 0, len(oldMap)+len(newMap))
	seen := make(map[string]bool, len(oldMap)+len(newMap))
	for k := range oldMap {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range newMap {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		childPath := appendSeg(path, k)
		oldChild, oldOK := oldMap[k]
		newChild, newOK := newMap[k]
		switch {
		case oldOK && !newOK:
			*ops = append(*ops, Operation{Op: OpRemove, Path: childPath})
		case !oldOK && newOK:
			*ops = append(*ops, Operation{Op: OpAdd, Path: childPath, Value: newChild})
		default:
			diffValue(childPath, oldChild, newChild, ops)
		}
	}
}

// diffArrays emits one replace per differing index plus trailing
// add/remove for a length change, a deliberately simple element-wise
// comparison rather than a minimal-edit-distance diff: the result is
// only ever used to describe an import to subscribers, not replayed.
func diffArrays(path Path, oldArr, newArr []interface{}, ops *[]Operation) {
	minLen := len(oldArr)
	if len(newArr) < minLen {
		minLen = len(newArr)
	}
	for i := 0; i < minLen; i++ {
		diffValue(appendSeg(path, i), oldArr[i], newArr[i], ops)
	}
	for i := minLen; i < len(newArr); i++ {
		*ops = append(*ops, Operation{Op: OpAdd, Path: appendSeg(path, i), Value: newArr[i]})
	}
	for i := len(oldArr) - 1; i >= minLen; i-- {
		*ops = append(*ops, Operation{Op: OpRemove, Path: appendSeg(path, i)})
	}
}

func appendSeg(path Path, seg interface{}) Path {
	out := make(Path, len(path)+1)
	copy(out, path)
	out[len(path)] = seg
	return out
}

func valuesEqual(a, b interface{}) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	ab, aIsBytes := a.(json.RawMessage)
	bb, bIsBytes := b.(json.RawMessage)
	if aIsBytes && bIsBytes {
		return string(ab) == string(bb)
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
