package data

import "fmt"

type QueryParams struct {
	Query     string
	Page      int
	PageLimit int
	SortBy    SortField
	SortOrder SortOrder
	Filters   map[FilterKey]interface{}
}

type SortOrder string

const (
	SortOrderASC  SortOrder = "ASC"
	SortOrderDESC SortOrder = "DESC"
)

type SortField string

const (
	SortFieldCreatedAt SortField = "created_at"
	SortFieldUpdatedAt SortField = "updated_at"
)

type FilterKey string

const (
	FilterKeyID              FilterKey = "id"
	FilterKeyStatus          FilterKey = "status"
	FilterKeyUserID          FilterKey = "user_id"
	FilterKeyTaskID          FilterKey = "task_id"
	FilterKeyProviderUserID  FilterKey = "provider_user_id"
	FilterKeyDeviceID        FilterKey = "device_id"
	FilterKeyCreatedAtAfter  FilterKey = "created_at_after"
	FilterKeyCreatedAtBefore FilterKey = "created_at_before"
)

func (fk FilterKey) Equals() string {
	return fmt.Sprintf("%s = ?", fk)
}

type Filter struct {
	Key   FilterKey
	Value interface{}
}

func NewFilter(key FilterKey, value interface{}) Filter {
	return Filter{
		Key:   key,
		Value: value,
	}
}
