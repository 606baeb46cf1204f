package dbsync

// EncodeSchema converts a table list to the wire value sent in reply to
// SCHEMA: an array of [name, key_columns, data_columns, unique_key].
func EncodeSchema(tables []Table) []interface{} {
	out := make([]interface{}, len(tables))
	for i, t := range tables {
		out[i] = []interface{}{
			t.Name,
			stringsToValues(t.KeyColumns),
			stringsToValues(t.DataColumns),
			t.UniqueKey,
		}
	}
	return out
}

// DecodeSchema is the inverse of EncodeSchema.
func DecodeSchema(v interface{}) ([]Table, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, NewProtocolError("dbsync: malformed SCHEMA payload")
	}
	out := make([]Table, len(arr))
	for i, e := range arr {
		fields, ok := e.([]interface{})
		if !ok || len(fields) != 4 {
			return nil, NewProtocolError("dbsync: malformed table descriptor")
		}
		name, _ := fields[0].(string)
		keyCols, err := valuesToStrings(fields[1])
		if err != nil {
			return nil, err
		}
		dataCols, err := valuesToStrings(fields[2])
		if err != nil {
			return nil, err
		}
		unique, _ := fields[3].(bool)
		out[i] = Table{Name: name, KeyColumns: keyCols, DataColumns: dataCols, UniqueKey: unique}
	}
	return out, nil
}

func stringsToValues(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func valuesToStrings(v interface{}) ([]string, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, NewProtocolError("dbsync: malformed column list")
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, NewProtocolError("dbsync: malformed column name")
		}
		out[i] = s
	}
	return out, nil
}
