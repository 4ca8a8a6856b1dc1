package postgres

var IsDuplicateDatabase = isDuplicateDatabase
