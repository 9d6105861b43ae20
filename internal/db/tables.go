package db

import "os"

func ConnectionsTableName() string {
	return os.Getenv("CONNECTIONS_TABLE")
}

func SalesTableName() string {
	return os.Getenv("SALES_TABLE")
}

func InventoryTableName() string {
	return os.Getenv("INVENTORY_TABLE")
}

func EventsTableName() string {
	return os.Getenv("EVENTS_TABLE")
}

func SyncLockTableName() string {
	return os.Getenv("SYNC_LOCK_TABLE")
}

func UsersTableName() string {
	return os.Getenv("USERS_TABLE")
}
