package models

import (
	"log"

	"github.com/vendaflow/pedidos_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Organization{}, &User{},
		&IntegrationAccount{}, &MeliCredential{},
		&Pedido{}, &ItemPedido{},
		&SyncRun{}, &SyncError{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
