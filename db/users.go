package db

import (
	"database/sql"

	"golang.org/x/crypto/bcrypt"

	"dmsim/models"
)

func (db *DB) CreateUser(login, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(
		"INSERT INTO users (login, password) VALUES (?, ?)",
		login, string(hashed),
	)
	return err
}

func (db *DB) AuthenticateUser(login, password string) (bool, error) {
	var hashedPassword string
	err := db.conn.QueryRow("SELECT password FROM users WHERE login = ?", login).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil, nil
}

func (db *DB) UserExists(login string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Contact methods

// GetContacts lists owner's contacts; Mutual is set when the contact has
// added owner back.
func (db *DB) GetContacts(owner string) ([]models.Contact, error) {
	rows, err := db.conn.Query(`
		SELECT c.id, c.owner, c.contact, c.nick,
			EXISTS (SELECT 1 FROM contacts r WHERE r.owner = c.contact AND r.contact = c.owner)
		FROM contacts c
		WHERE c.owner = ?
		ORDER BY c.nick, c.contact`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.Owner, &c.Contact, &c.Nick, &c.Mutual); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

func (db *DB) AddContact(owner, contact, nick string) error {
	_, err := db.conn.Exec("INSERT INTO contacts (owner, contact, nick) VALUES (?, ?, ?)", owner, contact, nick)
	return err
}

func (db *DB) UpdateContactNick(owner, contact, nick string) error {
	result, err := db.conn.Exec("UPDATE contacts SET nick = ? WHERE owner = ? AND contact = ?", nick, owner, contact)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

func (db *DB) DeleteContact(owner, contact string) error {
	result, err := db.conn.Exec("DELETE FROM contacts WHERE owner = ? AND contact = ?", owner, contact)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

// AreConnected reports whether a and b have added each other. It is the
// relationship gate for conversation creation and sending.
func (db *DB) AreConnected(a, b string) (bool, error) {
	var count int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM contacts x
		JOIN contacts y ON y.owner = x.contact AND y.contact = x.owner
		WHERE x.owner = ? AND x.contact = ?`, a, b).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
