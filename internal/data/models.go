package data

import (
	"errors"

	"github.com/tensorgrid/tensorgrid-backend/db"
)

var (
	ErrRecordNotFound          = errors.New("record not found")
	ErrRecordAlreadyExists     = errors.New("record already exists")
	ErrMismatchNumRowsAffected = errors.New("mismatch number of rows affected")
	ErrMissingInput            = errors.New("missing input")
)

type Models struct {
	Tasks            *TaskModel
	Subtasks         *SubtaskModel
	TimelineEvents   *TimelineEventModel
	Users            *UserModel
	Devices          *DeviceModel
	Earnings         *EarningModel
	Withdrawals      *WithdrawalModel
	APIKeys          *APIKeyModel
	DBConnectionPool db.DBConnectionPool
}

func NewModels(dbConnectionPool db.DBConnectionPool) (*Models, error) {
	if dbConnectionPool == nil {
		return nil, errors.New("dbConnectionPool is required for NewModels")
	}
	return &Models{
		Tasks:            &TaskModel{dbConnectionPool: dbConnectionPool},
		Subtasks:         &SubtaskModel{dbConnectionPool: dbConnectionPool},
		TimelineEvents:   &TimelineEventModel{dbConnectionPool: dbConnectionPool},
		Users:            &UserModel{dbConnectionPool: dbConnectionPool},
		Devices:          &DeviceModel{dbConnectionPool: dbConnectionPool},
		Earnings:         &EarningModel{dbConnectionPool: dbConnectionPool},
		Withdrawals:      &WithdrawalModel{dbConnectionPool: dbConnectionPool},
		APIKeys:          &APIKeyModel{dbConnectionPool: dbConnectionPool},
		DBConnectionPool: dbConnectionPool,
	}, nil
}
